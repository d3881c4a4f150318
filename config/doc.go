// Package config loads the YAML configuration used by the bundle commands
// and converts it into bundle options.
//
// Example:
//
//	cache_dir: /var/cache/game
//	state_file: /var/cache/game/state.db
//	verify_level: checksum
//	workers: 8
//	min_resume: 2MiB
//	download_timeout: 30s
//	packages:
//	  - name: game
//	    host: https://cdn.example.com/game
//	    fallback: https://mirror.example.com/game
//	    tags: [base, ui]
package config

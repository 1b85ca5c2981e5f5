// Package config loads froyoctl settings.
//
// Settings are layered, highest precedence first:
//
//   - command-line flags named after a key (--forks, --private-key-file)
//   - FROYO_<KEY> environment variables (FROYO_FORKS, FROYO_HISTORY_DB)
//   - the config file: --config, else <home>/config.yaml, else ./froyo.yaml
//   - defaults rooted at FROYO_HOME (~/.froyo)
//
// The config file is checked against a closed CUE schema before it is
// merged, so misspelled keys fail loudly instead of being ignored. The
// merged settings are validated with struct tags.
//
// Example config.yaml:
//
//	forks: 20
//	timeout: 30
//	remote_user: deploy
//	private_key_file: ~/.ssh/deploy_ed25519
//	inventory:
//	  - /etc/froyo/hosts.yaml
//	policy_paths: [/etc/froyo/policies]
//	log_format: json
//	metrics_listen: 127.0.0.1:9464
package config

// Package config loads client settings from YAML with environment overrides.
//
// Load reads the file over Default(), loads a .env file if present, then
// applies TOXCALL_* variables, for example:
//
//	TOXCALL_QUEUE_MAX_ATTEMPTS=4
//	TOXCALL_ICE_URLS=stun:stun.example.org:3478,turn:turn.example.org
//	TOXCALL_NEGOTIATION_REMOTE_DESCRIPTION_INTERVAL=250ms
package config

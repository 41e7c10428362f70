package config

// Lua schema globals and field names.
const (
	luaGlobal = "clientsync"

	luaFieldAPIBaseURL  = "api_base_url"
	luaFieldPayloadDir  = "payload_dir"
	luaFieldStateDir    = "state_dir"
	luaFieldExecutable  = "executable"
	luaFieldProcessName = "process_name"
	luaFieldConcurrency = "concurrency"
	luaFieldVerifyBatch = "verify_batch"
	luaFieldRetry       = "retry"
	luaFieldAttempts    = "attempts"
	luaFieldDelayMS     = "delay_ms"
	luaFieldRepairTries = "repair_attempts"
	luaFieldHTTPTimeout = "http_timeout_s"
	luaFieldUserAgent   = "user_agent"
	luaFieldLog         = "log"
	luaFieldLevel       = "level"
	luaFieldFormat      = "format"
	luaFieldMetricsFile = "metrics_file"
)

// Environment overrides.
const (
	EnvConfig     = "CLIENTSYNC_CONFIG"
	EnvPayloadDir = "CLIENTSYNC_PAYLOAD_DIR"
	EnvStateDir   = "CLIENTSYNC_STATE_DIR"
)

// FileName is the configuration file looked up in the user config directory.
const FileName = "clientsync.lua"

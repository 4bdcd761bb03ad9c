package config

// hostSchema is unified with every configuration source. It closes the
// configuration and supplies the defaults.
const hostSchema = `
#HostConfig: {
	name:        string | *"modhost"
	environment: string | *"development"
	modules_dir: string | *"modules"

	loaders: {
		standard: bool | *true
		wasm: {
			enabled:            bool | *false
			memory_limit_pages: *256 | (int & >=1 & <=65536)
			enable_wasi:        bool | *true
			timeout:            string | *"30s"
		}
	}

	transform: {
		renames: {[string]: string}
		scripts: *[] | [...#Script]
	}

	policy: {
		enabled:  bool | *true
		builtins: bool | *true
		paths:    *[] | [...string]
	}

	logging: {
		level:  *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
		format: *"console" | "json"
		output: string | *"stderr"
	}

	metrics: {
		enabled:        bool | *true
		listen_address: string | *""
		path:           =~"^/" | *"/metrics"
	}

	tracing: {
		enabled:       bool | *false
		exporter:      *"none" | "stdout" | "otlp"
		endpoint:      string | *""
		sampling_rate: *1.0 | (number & >=0 & <=1)
		insecure:      bool | *true
	}

	events: {
		enabled:     bool | *true
		async:       bool | *false
		buffer_size: *256 | (int & >=0)
	}
}

#Script: {
	name:      =~"^[A-Za-z0-9_.-]+$"
	path:      string
	max_steps: *0 | (int & >=0)
	timeout:   string | *"5s"
}
`

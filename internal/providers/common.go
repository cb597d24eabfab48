package providers

// Profile is one named run configuration.
type Profile struct {
	Provider string `yaml:"provider"`
	// Image and Size are substrings that must match exactly one catalog entry.
	Image      string `yaml:"image"`
	Size       string `yaml:"size"`
	Region     string `yaml:"region"`
	Email      string `yaml:"email"`
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	// SSHUser overrides the login user the provider reports for the node.
	SSHUser    string `yaml:"ssh_user"`
	NamePrefix string `yaml:"name_prefix"`
	// Pipeline is a built-in recipe name or a path to an .hcl file.
	Pipeline   string `yaml:"pipeline"`
	DBPassword string `yaml:"db_password"`
	// TeardownHook is one of always, on-success, on-failure.
	TeardownHook          string `yaml:"teardown_hook"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
}

type Config struct {
	DefaultProfile string             `yaml:"default_profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
	Providers      struct {
		Vultr struct {
			Token   string   `yaml:"token"`
			Region  string   `yaml:"region"`
			BaseURL string   `yaml:"base_url"`
			Tags    []string `yaml:"tags"`
		} `yaml:"vultr"`
		Hetzner struct {
			Token    string `yaml:"token"`
			Location string `yaml:"location"`
		} `yaml:"hetzner"`
		LocalSSH struct {
			Hosts []struct {
				Name string `yaml:"name"`
				IP   string `yaml:"ip"`
				User string `yaml:"user"`
				Port int    `yaml:"port"`
			} `yaml:"hosts"`
		} `yaml:"localssh"`
	} `yaml:"providers"`
	SSH struct {
		KnownHosts     string `yaml:"known_hosts"`
		Port           int    `yaml:"port"`
		Retries        int    `yaml:"retries"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		// StrictHostKeys rejects hosts missing from KnownHosts instead of
		// trusting them on first use.
		StrictHostKeys bool `yaml:"strict_host_keys"`
	} `yaml:"ssh"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		PushGateway string `yaml:"pushgateway"`
	} `yaml:"telemetry"`
	Events struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
	} `yaml:"events"`
	Report struct {
		S3Bucket   string `yaml:"s3_bucket"`
		S3Prefix   string `yaml:"s3_prefix"`
		S3Region   string `yaml:"s3_region"`
		S3Endpoint string `yaml:"s3_endpoint"`
		AccessKey  string `yaml:"-"`
		SecretKey  string `yaml:"-"`
	} `yaml:"report"`
}

package config

// API configures the admin HTTP surface.
type API struct {
	// The address to listen on, e.g. "localhost:7680".
	ListenAddress string `yaml:"listen_address"`

	// The externally visible base URL used when building job URLs
	// returned from plan approval, e.g. "http://localhost:7680".
	ExternalURL string `yaml:"external_url"`
}

func (a *API) Defaults() {
	a.ListenAddress = "localhost:7680"
	a.ExternalURL = "http://localhost:7680"
}

func (a *API) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "api.listen_address", a.ListenAddress)
}

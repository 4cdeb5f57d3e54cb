package config

func defaultEndpoint() string {
	return `\\.\pipe\KMFlowAgent`
}

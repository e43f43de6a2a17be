package config

import "go.uber.org/zap"

// NewLogger returns a JSON production logger outside development.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

package config

import "fmt"

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for errors and returns all problems found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Worker.Binary == "" {
		errs = append(errs, ValidationError{Field: "worker.binary", Message: "binary is required"})
	}
	if c.Worker.ServerCommand == "" {
		errs = append(errs, ValidationError{Field: "worker.server_command", Message: "server command is required"})
	}
	if len(c.Worker.InstallCommand) == 0 {
		errs = append(errs, ValidationError{Field: "worker.install_command", Message: "install command is required"})
	}

	if c.Port.Preferred < 1 || c.Port.Preferred > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port.preferred",
			Message: fmt.Sprintf("port %d is out of range 1-65535", c.Port.Preferred),
		})
	}
	if c.Port.Window < 1 {
		errs = append(errs, ValidationError{Field: "port.window", Message: "window must be at least 1"})
	}
	if c.Port.Host == "" {
		errs = append(errs, ValidationError{Field: "port.host", Message: "host is required"})
	}

	timeouts := []struct {
		field string
		d     Duration
	}{
		{"timeouts.helper", c.Timeouts.Helper},
		{"timeouts.stop_grace", c.Timeouts.StopGrace},
		{"timeouts.startup", c.Timeouts.Startup},
		{"timeouts.request", c.Timeouts.Request},
	}
	for _, t := range timeouts {
		if t.d.Duration <= 0 {
			errs = append(errs, ValidationError{Field: t.field, Message: "must be positive"})
		}
	}

	if c.Protocol.Path == "" || c.Protocol.Path[0] != '/' {
		errs = append(errs, ValidationError{
			Field:   "protocol.path",
			Message: fmt.Sprintf("path %q must start with /", c.Protocol.Path),
		})
	}
	if c.Protocol.OutcomeHeader == "" {
		errs = append(errs, ValidationError{Field: "protocol.outcome_header", Message: "outcome header is required"})
	}

	return errs
}

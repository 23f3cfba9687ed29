package monitoring

import "github.com/qbrc-cnap/mev-procman/pkg/errors"

// Validate validates a health check configuration.
func (c *HealthCheckConfig) Validate() error {
	if err := validateRunOptions(c.RunOptions); err != nil {
		return errors.NewValidationError("invalid health check run options", err)
	}

	switch c.Type {
	case HealthCheckTypeHTTP:
		if c.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP health check", nil)
		}

	case HealthCheckTypeTCP:
		if c.TCP.Address == "" {
			return errors.NewValidationError("TCP address is required for TCP health check", nil)
		}
		if c.TCP.Port <= 0 || c.TCP.Port > 65535 {
			return errors.NewValidationError("TCP port must be between 1 and 65535", nil)
		}

	case HealthCheckTypeExec:
		if c.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec health check", nil)
		}

	case HealthCheckTypeProcess:
		// PID comes from the process control at runtime, nothing to validate here

	case "":
		// health checking disabled

	default:
		return errors.NewValidationError("unknown health check type: "+string(c.Type), nil)
	}

	return nil
}

func validateRunOptions(options HealthCheckRunOptions) error {
	if options.Interval < 0 {
		return errors.NewValidationError("interval cannot be negative", nil)
	}
	if options.Timeout < 0 {
		return errors.NewValidationError("timeout cannot be negative", nil)
	}
	if options.InitialDelay < 0 {
		return errors.NewValidationError("initial delay cannot be negative", nil)
	}
	return nil
}

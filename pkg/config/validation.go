package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags first, then the cross-field rules tags cannot
// express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.API.Enabled && !cfg.API.HasJWTSecret() {
		return fmt.Errorf("api.jwt_secret: must be at least 32 characters when the API is enabled")
	}

	sec := cfg.RemoteServer.Security
	if sec.ActiveKrb5 {
		if sec.RemotePrincipal == "" {
			return fmt.Errorf("remote_server.security.remote_principal: required when active_krb5 is set")
		}
		if sec.RenewLead >= sec.CredentialLifetime && sec.CredentialLifetime > 0 {
			return fmt.Errorf("remote_server.security.renew_lead: %s must be shorter than credential_lifetime %s",
				sec.RenewLead, sec.CredentialLifetime)
		}
	}

	hm := cfg.HandleMap
	if hm.Enabled {
		if hm.DatabasesDirectory == "" || hm.TempDirectory == "" {
			return fmt.Errorf("handlemap: databases_directory and temp_directory are required")
		}
		if filepath.Clean(hm.DatabasesDirectory) == filepath.Clean(hm.TempDirectory) {
			return fmt.Errorf("handlemap: temp_directory must differ from databases_directory")
		}
	}

	if cfg.Backup.Destination == "s3" && cfg.Backup.S3.Bucket == "" {
		return fmt.Errorf("backup.s3.bucket: required when destination is s3")
	}
	return nil
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

package kerberos

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/marmos91/nfsproxy/internal/logger"
)

const defaultKeytabPollInterval = time.Minute

// KeytabManager polls the keytab file's modification time and reloads the
// provider when it changes.
//
// Keytabs are usually replaced by rename from kadmin or k5srvutil, so the
// file is polled rather than watched.
type KeytabManager struct {
	path     string
	interval time.Duration
	provider *Provider
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	lastMod  time.Time
}

// NewKeytabManager creates a manager that is not yet started. A non-positive
// interval selects one minute.
func NewKeytabManager(path string, interval time.Duration, provider *Provider) *KeytabManager {
	if interval <= 0 {
		interval = defaultKeytabPollInterval
	}
	return &KeytabManager{
		path:     path,
		interval: interval,
		provider: provider,
		stopCh:   make(chan struct{}),
	}
}

// Start records the current modification time and begins polling.
func (km *KeytabManager) Start() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	info, err := os.Stat(km.path)
	if err != nil {
		return fmt.Errorf("keytab file not accessible: %w", err)
	}
	km.lastMod = info.ModTime()

	go km.pollLoop()

	logger.Info("Keytab hot-reload started",
		logger.Path(km.path),
		"poll_interval", km.interval.String(),
	)
	return nil
}

// Stop ends polling. Safe to call more than once or before Start.
func (km *KeytabManager) Stop() {
	km.stopOnce.Do(func() { close(km.stopCh) })
}

func (km *KeytabManager) pollLoop() {
	ticker := time.NewTicker(km.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			km.checkAndReload()
		case <-km.stopCh:
			return
		}
	}
}

// checkAndReload returns true when a new keytab was loaded.
func (km *KeytabManager) checkAndReload() bool {
	km.mu.Lock()
	defer km.mu.Unlock()

	info, err := os.Stat(km.path)
	if err != nil {
		logger.Error("Keytab file stat failed", logger.Path(km.path), logger.Err(err))
		return false
	}

	modTime := info.ModTime()
	if modTime.Equal(km.lastMod) {
		return false
	}

	if err := km.provider.ReloadKeytab(); err != nil {
		logger.Error("Keytab reload failed", logger.Path(km.path), logger.Err(err))
		return false
	}

	km.lastMod = modTime
	logger.Info("Keytab reloaded, cached credentials will be renegotiated",
		logger.Path(km.path),
		"keytab_generation", km.provider.Generation(),
	)
	return true
}

// resolveKeytabPath prefers NFSPROXY_KRB5_KEYTAB over the configured path.
func resolveKeytabPath(configPath string) string {
	if envPath := os.Getenv("NFSPROXY_KRB5_KEYTAB"); envPath != "" {
		return envPath
	}
	return configPath
}

// resolveClientPrincipal prefers NFSPROXY_KRB5_PRINCIPAL over the configured
// principal. An empty result means "first keytab entry".
func resolveClientPrincipal(configPrincipal string) string {
	if env := os.Getenv("NFSPROXY_KRB5_PRINCIPAL"); env != "" {
		return env
	}
	return configPrincipal
}

// resolveKrb5ConfPath prefers NFSPROXY_KRB5_CONF, then the configured path,
// then /etc/krb5.conf.
func resolveKrb5ConfPath(configPath string) string {
	if envPath := os.Getenv("NFSPROXY_KRB5_CONF"); envPath != "" {
		return envPath
	}
	if configPath != "" {
		return configPath
	}
	return "/etc/krb5.conf"
}

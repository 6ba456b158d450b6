package proxy

import (
	"os"

	"github.com/marmos91/nfsproxy/pkg/config"
)

// FSInfo is the static filesystem information the dispatcher reports to
// clients in place of the backend's own limits.
type FSInfo struct {
	MaxRead           uint64      `json:"maxread"`
	MaxWrite          uint64      `json:"maxwrite"`
	LinkSupport       bool        `json:"link_support"`
	SymlinkSupport    bool        `json:"symlink_support"`
	CanSetTime        bool        `json:"cansettime"`
	Umask             os.FileMode `json:"umask"`
	XattrAccessRights os.FileMode `json:"xattr_access_rights"`
	AuthXdevExport    bool        `json:"auth_xdev_export"`
}

// FSInfoFromConfig copies the fs_info block.
func FSInfoFromConfig(cfg config.FSInfoConfig) FSInfo {
	return FSInfo{
		MaxRead:           cfg.MaxRead.Uint64(),
		MaxWrite:          cfg.MaxWrite.Uint64(),
		LinkSupport:       cfg.LinkSupport,
		SymlinkSupport:    cfg.SymlinkSupport,
		CanSetTime:        cfg.CanSetTime,
		Umask:             cfg.Umask,
		XattrAccessRights: cfg.XattrAccessRights,
		AuthXdevExport:    cfg.AuthXdevExport,
	}
}

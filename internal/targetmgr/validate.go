package targetmgr

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/iastscan/iastscand/internal/store"
)

// validatePatch rejects a set_config request with an inconsistent
// rate window, an unparsable skip regex, or a non-http(s) proxy URL
// (§4.9 "set_config validation").
func validatePatch(patch store.ConfigPatch) error {
	if patch.MaxConcurrent != nil && *patch.MaxConcurrent < 1 {
		return fmt.Errorf("targetmgr: max_concurrent must be >= 1")
	}
	if patch.MinIntervalMs != nil && *patch.MinIntervalMs < 0 {
		return fmt.Errorf("targetmgr: min_interval_ms must be >= 0")
	}
	if patch.MaxIntervalMs != nil && *patch.MaxIntervalMs < 0 {
		return fmt.Errorf("targetmgr: max_interval_ms must be >= 0")
	}
	if patch.MinIntervalMs != nil && patch.MaxIntervalMs != nil && *patch.MinIntervalMs > *patch.MaxIntervalMs {
		return fmt.Errorf("targetmgr: min_interval_ms must be <= max_interval_ms")
	}
	if patch.SkipRegex != nil && *patch.SkipRegex != "" {
		if _, err := regexp.Compile(*patch.SkipRegex); err != nil {
			return fmt.Errorf("targetmgr: skip_regex does not compile: %w", err)
		}
	}
	if patch.ProxyURL != nil && *patch.ProxyURL != "" {
		u, err := url.Parse(*patch.ProxyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("targetmgr: proxy_url must be an http(s) URL")
		}
	}
	return nil
}

package kernels

import (
	"encoding/json"
	"os"

	"k8s.io/klog/v2"
)

// TuningCache is an optional, load-once, read-only database of performance
// hints keyed by implementation signature strings. A missing or corrupt file is
// not an error: the build continues with an empty cache.
type TuningCache struct {
	hints map[string]string
}

// LoadTuningCache reads the hint database at path. It never fails: any load
// problem is logged and an empty cache is returned instead.
func LoadTuningCache(path string) *TuningCache {
	empty := &TuningCache{hints: make(map[string]string)}
	if path == "" {
		return empty
	}
	data, err := os.ReadFile(path)
	if err != nil {
		klog.Warningf("kernels: tuning cache %q not loaded, continuing without: %v", path, err)
		return empty
	}
	var hints map[string]string
	if err := json.Unmarshal(data, &hints); err != nil {
		klog.Warningf("kernels: tuning cache %q is corrupt, continuing without: %v", path, err)
		return empty
	}
	klog.V(1).Infof("kernels: loaded tuning cache %q with %d hints", path, len(hints))
	return &TuningCache{hints: hints}
}

// Hint returns the recorded tuning hint for the signature, if any.
func (c *TuningCache) Hint(signature string) (string, bool) {
	hint, found := c.hints[signature]
	return hint, found
}

// Len returns the number of loaded hints.
func (c *TuningCache) Len() int { return len(c.hints) }

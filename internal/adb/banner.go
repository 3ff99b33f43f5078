package adb

import "strings"

// Banner is the identity string adbd sends in its CNXN, e.g.
// "device::ro.product.name=frameo;ro.product.model=Frame;features=cmd".
type Banner struct {
	Raw        string
	State      string
	Serial     string
	Properties map[string]string
}

// ParseBanner splits a CNXN payload into its parts. Unknown layouts are
// kept in Raw with whatever could be parsed.
func ParseBanner(payload []byte) Banner {
	raw := strings.TrimRight(string(payload), "\x00")
	b := Banner{Raw: raw, Properties: make(map[string]string)}
	parts := strings.SplitN(raw, ":", 3)
	b.State = parts[0]
	if len(parts) > 1 {
		b.Serial = parts[1]
	}
	if len(parts) > 2 {
		for _, kv := range strings.Split(parts[2], ";") {
			k, v, ok := strings.Cut(kv, "=")
			if ok && k != "" {
				b.Properties[k] = v
			}
		}
	}
	return b
}

// Model returns ro.product.model, if the device sent it.
func (b Banner) Model() string { return b.Properties["ro.product.model"] }

// Product returns ro.product.name, if the device sent it.
func (b Banner) Product() string { return b.Properties["ro.product.name"] }

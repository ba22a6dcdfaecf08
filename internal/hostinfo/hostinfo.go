// Package hostinfo collects host metadata for trace enrichment. The
// gopsutil probe is cached per process: hooks are short-lived and the
// answers do not change mid-invocation.
package hostinfo

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/rs/zerolog/log"
)

// Info is the host context attached to trace metadata.
type Info struct {
	Hostname        string
	OS              string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	Arch            string
}

var (
	once   sync.Once
	cached Info
)

// Get returns the host metadata, probing once per process. A failed
// probe degrades to the hostname alone.
func Get() Info {
	once.Do(func() {
		if name, err := os.Hostname(); err == nil {
			cached.Hostname = name
		}
		info, err := host.Info()
		if err != nil {
			log.Debug().Err(err).Msg("Host probe failed, using hostname only")
			return
		}
		if cached.Hostname == "" {
			cached.Hostname = info.Hostname
		}
		cached.OS = info.OS
		cached.Platform = info.Platform
		cached.PlatformVersion = info.PlatformVersion
		cached.KernelVersion = info.KernelVersion
		cached.Arch = info.KernelArch
	})
	return cached
}

// Metadata renders the host info as trace metadata fields; empty fields
// are omitted.
func (i Info) Metadata() map[string]any {
	md := make(map[string]any)
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set("host_name", i.Hostname)
	set("host_os", i.OS)
	set("host_platform", i.Platform)
	set("host_platform_version", i.PlatformVersion)
	set("host_kernel", i.KernelVersion)
	set("host_arch", i.Arch)
	if len(md) == 0 {
		return nil
	}
	return md
}

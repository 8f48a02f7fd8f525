// Package sysinfo collects the host details an agent registers with.
package sysinfo

import (
	"context"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/postalsys/kestrel/internal/protocol"
)

// collectTimeout bounds the host queries made at registration.
const collectTimeout = 2 * time.Second

// Version is set at build time via ldflags:
// go build -ldflags="-X github.com/postalsys/kestrel/internal/sysinfo.Version=v1.0.0"
var Version = "dev"

var startTime = time.Now()

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion tags dev builds with the VCS revision when known.
func enhanceDevVersion() string {
	rev, dirty := "", false
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}
	if rev == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if dirty {
		rev += "-dirty"
	}
	return "dev-" + rev
}

// archNames maps GOARCH to the names operators expect.
var archNames = map[string]string{
	"amd64": "x86_64",
	"386":   "x86",
	"arm64": "aarch64",
	"arm":   "armv7",
}

// Arch returns the normalized machine architecture.
func Arch() string {
	return NormalizeArch(runtime.GOARCH)
}

// NormalizeArch maps a GOARCH value to its common name.
func NormalizeArch(goarch string) string {
	if name, ok := archNames[goarch]; ok {
		return name
	}
	return goarch
}

// Collect gathers the registration record for agent id.
func Collect(id string) protocol.AgentInfo {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	info := protocol.AgentInfo{
		ID:       id,
		Platform: runtime.GOOS,
		Arch:     Arch(),
		Hostname: hostname(ctx),
		Username: currentUser(),
		PID:      uint32(os.Getpid()),
		Process:  processName(ctx),
	}
	if ips := GetLocalIPs(); len(ips) > 0 {
		info.Intranet = ips[0]
	}
	return info
}

func hostname(ctx context.Context) string {
	if h, err := host.InfoWithContext(ctx); err == nil && h.Hostname != "" {
		return h.Hostname
	}
	name, _ := os.Hostname()
	return name
}

// processName prefers the name the OS reports, which survives the binary
// being renamed or deleted after start.
func processName(ctx context.Context) string {
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if name, err := p.NameWithContext(ctx); err == nil && name != "" {
			return name
		}
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Base(exe)
	}
	return ""
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return os.Getenv("USER")
	}
	// Windows reports DOMAIN\user.
	if i := strings.LastIndexByte(u.Username, '\\'); i >= 0 {
		return u.Username[i+1:]
	}
	return u.Username
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

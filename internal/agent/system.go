package agent

import (
	"context"
	"net"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// collectSystemInfo gathers the heartbeat resource snapshot spec §4.9
// step 2 names: {os, arch, cpu%, mem%, ip, hostname, version}.
func collectSystemInfo(ctx context.Context) SystemInfo {
	info := map[string]any{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}

	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		info["cpu_usage"] = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_usage"] = vm.UsedPercent
	}

	hostname := "unknown"
	if h, err := host.InfoWithContext(ctx); err == nil {
		hostname = h.Hostname
	}

	return SystemInfo{
		Status:   "Online",
		System:   info,
		IP:       localIP(),
		Version:  version,
		Hostname: hostname,
	}
}

// localIP best-effort resolves the machine's outbound IP without
// opening a real connection (a UDP "dial" never sends a packet).
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

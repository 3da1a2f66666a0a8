package heartbeat

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// The probes run fresh on every heartbeat tick. A failing probe reports
// through its section's error field instead of failing the heartbeat.

func probeSystem(ctx context.Context) v1.SystemInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return v1.SystemInfo{Error: err.Error()}
	}
	return v1.SystemInfo{
		Machine:   info.KernelArch,
		NodeName:  info.Hostname,
		Platform:  fmt.Sprintf("%s-%s-%s", info.OS, info.KernelVersion, info.KernelArch),
		Processor: info.KernelArch,
		Release:   info.KernelVersion,
		System:    capitalize(info.OS),
		Version:   info.PlatformVersion,
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func probeUser(ctx context.Context) v1.UserInfo {
	var ui v1.UserInfo

	u, err := user.Current()
	if err != nil {
		ui.Error = err.Error()
	} else {
		ui.User = u.Username
		ui.Gecos = u.Name
		ui.HomeDir = u.HomeDir
		if uid, err := strconv.Atoi(u.Uid); err == nil {
			ui.UID = uid
		}
		if gid, err := strconv.Atoi(u.Gid); err == nil {
			ui.GID = gid
		}
		if ids, err := u.GroupIds(); err == nil {
			ui.Groups = ids
		}
	}

	ui.Shell = os.Getenv("SHELL")
	if wd, err := os.Getwd(); err == nil {
		ui.WorkingDir = wd
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		ui.LoadAvg = &v1.LoadAvg{
			Load1:  avg.Load1,
			Load5:  avg.Load5,
			Load15: avg.Load15,
		}
	} else if ui.Error == "" {
		ui.Error = err.Error()
	}

	return ui
}

func probeNetwork(ctx context.Context) map[string]v1.NetworkInterface {
	interfaces := make(map[string]v1.NetworkInterface)

	stats, err := gopsnet.InterfacesWithContext(ctx)
	if err != nil {
		interfaces["error"] = v1.NetworkInterface{Error: err.Error()}
		return interfaces
	}

	for _, stat := range stats {
		ni := v1.NetworkInterface{
			IPv4: []string{},
			IPv6: []string{},
			MAC:  []string{},
		}
		if stat.HardwareAddr != "" {
			ni.MAC = append(ni.MAC, stat.HardwareAddr)
		}
		for _, addr := range stat.Addrs {
			ip := addr.Addr
			if i := strings.IndexByte(ip, '/'); i >= 0 {
				ip = ip[:i]
			}
			if strings.Contains(ip, ":") {
				ni.IPv6 = append(ni.IPv6, ip)
			} else {
				ni.IPv4 = append(ni.IPv4, ip)
			}
		}
		interfaces[stat.Name] = ni
	}
	return interfaces
}

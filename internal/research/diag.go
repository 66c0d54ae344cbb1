package research

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// resourceSnapshot captures a best-effort picture of agent resource usage
// for terminal event diagnostics. Failures degrade to partial data; this
// must never delay run completion.
func resourceSnapshot() map[string]any {
	out := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return out
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		out["rss_bytes"] = mem.RSS
	}
	if pct, err := p.CPUPercent(); err == nil {
		out["cpu_percent"] = pct
	}
	return out
}

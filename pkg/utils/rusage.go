// pkg/utils/rusage.go

package utils

import "golang.org/x/sys/unix"

type Rusage struct {
	unix.Rusage
}

// GetUtime returns the user CPU time in seconds.
func (ru *Rusage) GetUtime() float64 {
	return float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
}

// GetStime returns the system CPU time in seconds.
func (ru *Rusage) GetStime() float64 {
	return float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
}

func GetRusage() *Rusage {
	var ru unix.Rusage
	_ = unix.Getrusage(unix.RUSAGE_SELF, &ru)
	return &Rusage{ru}
}

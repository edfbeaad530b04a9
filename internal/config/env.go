package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAdminPort is the control-plane port when ADMIN_PORT is unset.
const DefaultAdminPort = 8870

// Static is the process-level settings read once at startup.
type Static struct {
	AdminPort         int
	ConfigFile        string
	AccessLog         string // file path; empty means stdout
	AccessLogSampling float64
	AccessLogFields   []string
	DatabaseURL       string
	HealthInterval    time.Duration // 0 means the scheduler default
	Watch             bool
}

// FromEnv reads Static from the process environment.
func FromEnv() (Static, error) {
	return fromEnv(os.LookupEnv)
}

func fromEnv(lookup func(string) (string, bool)) (Static, error) {
	st := Static{AdminPort: DefaultAdminPort, AccessLogSampling: 1, Watch: true}
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}

	if v := get("ADMIN_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return Static{}, fmt.Errorf("ADMIN_PORT: invalid port %q", v)
		}
		st.AdminPort = p
	}
	st.ConfigFile = get("CONFIG_FILE_PATH")
	st.AccessLog = get("ACCESS_LOG")
	st.DatabaseURL = get("DATABASE_URL")

	if v := get("ACCESS_LOG_SAMPLING"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return Static{}, fmt.Errorf("ACCESS_LOG_SAMPLING: must be in (0,1], got %q", v)
		}
		st.AccessLogSampling = f
	}
	if v := get("ACCESS_LOG_FIELDS"); v != "" {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				st.AccessLogFields = append(st.AccessLogFields, f)
			}
		}
	}
	if v := get("HEALTH_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Static{}, fmt.Errorf("HEALTH_CHECK_INTERVAL: invalid duration %q", v)
		}
		st.HealthInterval = d
	}
	return st, nil
}

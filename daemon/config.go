/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/opensync/ptpd/acl"
	"github.com/opensync/ptpd/drivers"
	ptp "github.com/opensync/ptpd/ptp/protocol"
	"github.com/opensync/ptpd/timestamp"
)

// TransportMode is how we address the master
type TransportMode string

// Supported transport modes
const (
	// TransportMulticast sends everything to the PTP multicast groups
	TransportMulticast TransportMode = "multicast"
	// TransportHybrid receives multicast but sends delay requests
	// unicast to the master
	TransportHybrid TransportMode = "hybrid"
)

// ServoConfig tunes the PI servo
type ServoConfig struct {
	KP                 float64 `yaml:"kp"`
	KI                 float64 `yaml:"ki"`
	MaxPPB             float64 `yaml:"max_ppb"`
	DtMethod           string  `yaml:"dt_method"` // none, constant, measured
	MaxDt              float64 `yaml:"max_dt"`
	StabilityThreshold float64 `yaml:"stability_threshold"`
	StabilityPeriod    int     `yaml:"stability_period"`
	StabilityTimeout   int     `yaml:"stability_timeout"`
}

// ACLConfig is the text form of the access lists
type ACLConfig struct {
	TimingPermit     string `yaml:"timing_permit"`
	TimingDeny       string `yaml:"timing_deny"`
	TimingOrder      string `yaml:"timing_order"`
	ManagementPermit string `yaml:"management_permit"`
	ManagementDeny   string `yaml:"management_deny"`
	ManagementOrder  string `yaml:"management_order"`
	Enabled          bool   `yaml:"enabled"`
}

// ClockConfig carries the clock driver options the daemon forwards
type ClockConfig struct {
	StepType          string  `yaml:"step_type"` // never, always, startup, startup_force
	NegativeStep      bool    `yaml:"negative_step"`
	NoStep            bool    `yaml:"no_step"`
	StepTimeout       float64 `yaml:"step_timeout"`
	StepExitThreshold int64   `yaml:"step_exit_threshold"`
	StoreToFile       bool    `yaml:"store_to_file"`
	FrequencyDir      string  `yaml:"frequency_dir"`
	AdevPeriod        float64 `yaml:"adev_period"`
	StableAdev        float64 `yaml:"stable_adev"`
	UnstableAdev      float64 `yaml:"unstable_adev"`
	LockedAge         float64 `yaml:"locked_age"`
	HoldoverAge       float64 `yaml:"holdover_age"`
	FailureDelay      float64 `yaml:"failure_delay"`
	OutlierFilter     bool    `yaml:"outlier_filter"`
	MadMax            float64 `yaml:"mad_max"`
	MadWindowSize     int     `yaml:"mad_window_size"`
	StatFilter        bool    `yaml:"stat_filter"`
	FilterType        string  `yaml:"filter_type"`
	FilterWindowSize  int     `yaml:"filter_window_size"`
	FilterInterval    bool    `yaml:"filter_interval"`
}

// Config specifies the daemon run options
type Config struct {
	Iface         string                  `yaml:"iface"`
	Transport     TransportMode           `yaml:"transport"`
	Timestamping  timestamp.Timestamp     `yaml:"timestamping"`
	DomainNumber  uint8                   `yaml:"domain"`
	PortNumber    uint16                  `yaml:"port_number"`
	SlaveOnly     bool                    `yaml:"slave_only"`
	MasterOnly    bool                    `yaml:"master_only"`
	Priority1     uint8                   `yaml:"priority1"`
	Priority2     uint8                   `yaml:"priority2"`
	ClockClass    ptp.ClockClass          `yaml:"clock_class"`
	ClockAccuracy ptp.ClockAccuracy       `yaml:"clock_accuracy"`
	DelayMechanism ptp.DelayMechanism     `yaml:"-"`
	DelayMode     string                  `yaml:"delay_mechanism"` // e2e, p2p, disabled

	LogAnnounceInterval        ptp.LogInterval `yaml:"log_announce_interval"`
	AnnounceReceiptTimeout     int             `yaml:"announce_receipt_timeout"`
	AnnounceTimeoutGracePeriod int             `yaml:"announce_timeout_grace_period"`
	LogSyncInterval            ptp.LogInterval `yaml:"log_sync_interval"`
	LogMinDelayReqInterval     ptp.LogInterval `yaml:"log_min_delay_req_interval"`
	LogMinPdelayReqInterval    ptp.LogInterval `yaml:"log_min_pdelay_req_interval"`
	IgnoreDelayReqIntervalMaster bool          `yaml:"ignore_delay_req_interval_master"`

	UTCOffset       int  `yaml:"utc_offset"`
	RequireUTCValid bool `yaml:"require_utc_valid"`

	FMRCapacity int `yaml:"fmr_capacity"`

	MaxDelay            time.Duration `yaml:"max_delay"`
	MaxDelayStableOnly  bool          `yaml:"max_delay_stable_only"`
	MaxDelayMaxRejected int           `yaml:"max_delay_max_rejected"`

	InboundLatency  time.Duration `yaml:"inbound_latency"`
	OutboundLatency time.Duration `yaml:"outbound_latency"`

	Servo ServoConfig `yaml:"servo"`
	ACL   ACLConfig   `yaml:"acl"`
	Clock ClockConfig `yaml:"clock"`

	StatsUpdateInterval      float64 `yaml:"stats_update_interval"`
	StatusFileUpdateInterval float64 `yaml:"status_file_update_interval"`
	AlarmsEnabled            bool    `yaml:"alarms_enabled"`
	AlarmMinAge              float64 `yaml:"alarm_min_age"`

	IGMPRefresh         bool    `yaml:"igmp_refresh"`
	MasterRefreshInterval float64 `yaml:"master_refresh_interval"`

	LeapFile               string  `yaml:"leap_file"`
	LeapSecondPauseSeconds float64 `yaml:"leap_second_pause_seconds"`

	LockDir        string `yaml:"lock_dir"`
	MonitoringPort int    `yaml:"monitoring_port"`
}

// DefaultConfig returns the daemon defaults, an E2E multicast slave-only
// ordinary clock
func DefaultConfig() *Config {
	return &Config{
		Transport:      TransportMulticast,
		Timestamping:   timestamp.SW,
		PortNumber:     1,
		SlaveOnly:      true,
		Priority1:      128,
		Priority2:      128,
		ClockClass:     ptp.ClockClassSlaveOnly,
		ClockAccuracy:  ptp.ClockAccuracyUnknown,
		DelayMode:      "e2e",
		DelayMechanism: ptp.DelayMechanismE2E,

		LogAnnounceInterval:     1,
		AnnounceReceiptTimeout:  6,
		LogSyncInterval:         0,
		LogMinDelayReqInterval:  0,
		LogMinPdelayReqInterval: 1,

		FMRCapacity: 5,

		MaxDelayMaxRejected: 0,

		Servo: ServoConfig{
			KP:               0.1,
			KI:               0.001,
			MaxPPB:           500000,
			DtMethod:         "constant",
			MaxDt:            5,
			StabilityPeriod:  1,
			StabilityTimeout: 10,
		},
		ACL: ACLConfig{
			TimingOrder:     "deny,permit",
			ManagementOrder: "deny,permit",
		},
		Clock: ClockConfig{
			StepType:      "always",
			StepTimeout:   600,
			AdevPeriod:    10,
			StableAdev:    200,
			UnstableAdev:  2000,
			LockedAge:     10,
			HoldoverAge:   300,
			FailureDelay:  300,
			MadMax:        10,
			MadWindowSize: 10,
		},

		StatsUpdateInterval:      30,
		StatusFileUpdateInterval: 30,
		AlarmsEnabled:            true,
		AlarmMinAge:              30,

		MasterRefreshInterval: 60,

		LeapSecondPauseSeconds: 5,

		LockDir: "/var/run",
	}
}

// ReadConfig loads the config file on top of the defaults
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config is sane and resolves derived fields
func (c *Config) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("iface must be set")
	}
	switch c.Transport {
	case TransportMulticast, TransportHybrid:
	default:
		return fmt.Errorf("transport must be either %q or %q", TransportMulticast, TransportHybrid)
	}
	switch c.DelayMode {
	case "e2e":
		c.DelayMechanism = ptp.DelayMechanismE2E
	case "p2p":
		c.DelayMechanism = ptp.DelayMechanismP2P
	case "disabled":
		c.DelayMechanism = ptp.DelayMechanismDisabled
	default:
		return fmt.Errorf("delay_mechanism must be e2e, p2p or disabled")
	}
	if c.SlaveOnly && c.MasterOnly {
		return fmt.Errorf("slave_only and master_only are mutually exclusive")
	}
	if c.FMRCapacity < 1 {
		return fmt.Errorf("fmr_capacity must be positive")
	}
	if c.AnnounceReceiptTimeout < 2 {
		return fmt.Errorf("announce_receipt_timeout must be at least 2")
	}
	if _, err := c.StepType(); err != nil {
		return err
	}
	if _, err := c.TimingACLOrder(); err != nil {
		return err
	}
	if _, err := c.ManagementACLOrder(); err != nil {
		return err
	}
	if c.MaxDelayMaxRejected < 0 {
		return fmt.Errorf("max_delay_max_rejected must be 0 or positive")
	}
	return nil
}

// StepType resolves the configured clock step policy
func (c *Config) StepType() (drivers.StepType, error) {
	switch c.Clock.StepType {
	case "never":
		return drivers.StepNever, nil
	case "", "always":
		return drivers.StepAlways, nil
	case "startup":
		return drivers.StepStartup, nil
	case "startup_force":
		return drivers.StepStartupForce, nil
	}
	return drivers.StepNever, fmt.Errorf("unknown step_type %q", c.Clock.StepType)
}

// TimingACLOrder resolves the timing ACL processing order
func (c *Config) TimingACLOrder() (acl.Order, error) {
	return acl.OrderFromString(c.ACL.TimingOrder)
}

// ManagementACLOrder resolves the management ACL processing order
func (c *Config) ManagementACLOrder() (acl.Order, error) {
	return acl.OrderFromString(c.ACL.ManagementOrder)
}

// DriverConfig maps the daemon clock options onto a driver config
func (c *Config) DriverConfig() drivers.Config {
	d := drivers.DefaultConfig()
	st, _ := c.StepType()
	d.StepType = st
	d.NegativeStep = c.Clock.NegativeStep
	d.NoStep = c.Clock.NoStep
	if c.Clock.StepTimeout > 0 {
		d.StepTimeout = c.Clock.StepTimeout
	}
	d.StepExitThreshold = c.Clock.StepExitThreshold
	d.StoreToFile = c.Clock.StoreToFile
	d.FrequencyDir = c.Clock.FrequencyDir
	if c.Clock.AdevPeriod > 0 {
		d.AdevPeriod = c.Clock.AdevPeriod
	}
	if c.Clock.StableAdev > 0 {
		d.StableAdev = c.Clock.StableAdev
	}
	if c.Clock.UnstableAdev > 0 {
		d.UnstableAdev = c.Clock.UnstableAdev
	}
	if c.Clock.LockedAge > 0 {
		d.LockedAge = c.Clock.LockedAge
	}
	if c.Clock.HoldoverAge > 0 {
		d.HoldoverAge = c.Clock.HoldoverAge
	}
	if c.Clock.FailureDelay > 0 {
		d.FailureDelay = c.Clock.FailureDelay
	}
	d.OutlierFilter = c.Clock.OutlierFilter
	if c.Clock.MadMax > 0 {
		d.MadMax = c.Clock.MadMax
	}
	if c.Clock.MadWindowSize > 0 {
		d.MadWindowSize = c.Clock.MadWindowSize
	}
	d.StatFilter = c.Clock.StatFilter
	d.Filter.Type = c.Clock.FilterType
	d.Filter.WindowSize = c.Clock.FilterWindowSize
	d.Filter.Interval = c.Clock.FilterInterval
	d.ServoKP = c.Servo.KP
	d.ServoKI = c.Servo.KI
	return d
}

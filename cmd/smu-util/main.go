// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Seagate/gpuiov-lib/pkg/exporter"
	"github.com/Seagate/gpuiov-lib/pkg/pcidev"
	"github.com/Seagate/gpuiov-lib/pkg/smu"
	"github.com/ilyakaznacheev/cleanenv"
	"k8s.io/klog/v2"
)

var Version = "1.0.0"

// This variable is filled in during the linker step - -ldflags "-X main.buildTime=`date -u '+%Y-%m-%dT%H:%M:%S'`"
var buildTime = ""

var helptxt = `
smu-util is a command line tool to query and control the power management firmware (SMU) of AMD GPUs on the host server.

Usage:
./smu-util [--version] [--help] [--list] [--PCIE=BUS:DEV.FUN] [--config=file] [--verbosity=0] [operations]

Which:
	version              : Print the version of this application and exit
	help                 : Print the help text and exit
	list                 : List all AMD GPUs on the host
	config=file          : Read settings from a yaml file, otherwise from SMU_* environment variables
	PCIE=BUS[:DEV.FUN]   : The GPU to operate on. Every operation below needs it
	info                 : Print firmware and driver interface versions
	features             : Print the enabled feature mask
	dpm                  : Print the DPM table
	dpm-range=DOM:MIN:MAX: Set the soft frequency range of a DPM domain in MHz
	metrics              : Refresh and print the firmware metrics
	policy=NAME[=LEVEL]  : Print a policy, or set it to LEVEL
	powerlimit=[WATTS]   : Print the package power limit, or set it when WATTS is given
	eeprom-read=ADDR:LEN : Read LEN bytes of the board EEPROM at ADDR
	eeprom-write=ADDR:HEX: Write the hex encoded bytes to the board EEPROM at ADDR
	reset=mode1|mode3    : Reset the device (mode3 takes --unit-mask)
	ras                  : Print MCA bank counts and the ECC table
	trace                : Print the mailbox trace after all operations
	serve                : Serve the metrics and DPM table in Prometheus format until interrupted
	verbosity            : Set the log level verbosity, where 0 is no longing and 4 is very verbose
`

const (
	DefaultVerbosity = "0" // Default log level
)

// AppConfig is everything that can come from a config file or the environment
type AppConfig struct {
	Smu      smu.Config            `yaml:"smu"`
	Exporter exporter.ServerConfig `yaml:"exporter"`

	Bar          int    `yaml:"bar" env:"SMU_BAR" env-default:"5"`
	RegionPath   string `yaml:"region_path" env:"SMU_REGION_PATH" env-default:"/dev/mem"`
	RegionOffset int64  `yaml:"region_offset" env:"SMU_REGION_OFFSET"`
	RegionSize   int    `yaml:"region_size" env:"SMU_REGION_SIZE"`
	RegionBase   uint64 `yaml:"region_base" env:"SMU_REGION_BASE"`
}

type Settings struct {
	Version    bool   // Print the version of this application and exit if true
	Verbosity  string // The log level verbosity, where 0 is no longing and 4 is very verbose
	Help       bool   // Print the help text and exit
	List       bool   // List all GPUs on the host
	Config     string // Optional yaml config file
	PCIE       string // BDF of the GPU to operate on
	Info       bool
	Features   bool
	Dpm        bool
	DpmRange   string
	Metrics    bool
	Policy     string
	PowerLimit string
	EepromRd   string
	EepromWr   string
	Port       uint
	Reset      string
	UnitMask   uint
	EccRecover bool
	Ras        bool
	Trace      bool
	Serve      bool
	ListenAddr string

	powerLimitSet bool
}

// InitContext initializes the settings from command line args. The returned context
// is cancelled on SIGINT or SIGTERM.
func (s *Settings) InitContext(args []string, ctx context.Context) (context.Context, context.CancelFunc, error) {

	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)

	var (
		version    = flags.Bool("version", false, "Display version and exit")
		verbosity  = flags.String("verbosity", DefaultVerbosity, "Log level verbosity")
		help       = flags.Bool("help", false, "Print the help text")
		list       = flags.Bool("list", false, "List all AMD GPUs on the host")
		config     = flags.String("config", "", "Yaml config file")
		pcie       = flags.String("PCIE", "", "BUS[:DEV.FUN] of the GPU to operate on")
		info       = flags.Bool("info", false, "Print firmware versions")
		features   = flags.Bool("features", false, "Print the enabled feature mask")
		dpm        = flags.Bool("dpm", false, "Print the DPM table")
		dpmRange   = flags.String("dpm-range", "", "DOMAIN:MIN:MAX soft frequency range in MHz")
		metrics    = flags.Bool("metrics", false, "Print the firmware metrics")
		policy     = flags.String("policy", "", "NAME or NAME=LEVEL")
		powerlimit = flags.String("powerlimit", "", "Package power limit in watts, empty to print it")
		eepromRd   = flags.String("eeprom-read", "", "ADDR:LEN")
		eepromWr   = flags.String("eeprom-write", "", "ADDR:HEX")
		port       = flags.Uint("port", 0, "I2C port of the EEPROM")
		reset      = flags.String("reset", "", "mode1 or mode3")
		unitMask   = flags.Uint("unit-mask", 0, "Unit mask for a mode3 reset")
		ecc        = flags.Bool("ecc-recovery", false, "Request ECC recovery with a mode1 reset")
		ras        = flags.Bool("ras", false, "Print RAS state")
		trace      = flags.Bool("trace", false, "Print the mailbox trace")
		serve      = flags.Bool("serve", false, "Serve Prometheus metrics")
		listen     = flags.String("listen", "", "Listen address for --serve, overrides the config")
	)

	err := flags.Parse(args[1:])
	if err != nil {
		return ctx, func() {}, err
	}

	s.Version = *version
	s.Verbosity = *verbosity
	s.Help = *help
	s.List = *list
	s.Config = *config
	s.PCIE = *pcie
	s.Info = *info
	s.Features = *features
	s.Dpm = *dpm
	s.DpmRange = *dpmRange
	s.Metrics = *metrics
	s.Policy = *policy
	s.PowerLimit = *powerlimit
	s.EepromRd = *eepromRd
	s.EepromWr = *eepromWr
	s.Port = *port
	s.Reset = *reset
	s.UnitMask = *unitMask
	s.EccRecover = *ecc
	s.Ras = *ras
	s.Trace = *trace
	s.Serve = *serve
	s.ListenAddr = *listen

	flags.Visit(func(f *flag.Flag) {
		if f.Name == "powerlimit" {
			s.powerLimitSet = true
		}
	})

	if len(args) == 1 {
		s.Help = true
	}

	newContext, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return newContext, cancel, nil
}

// needsDevice reports whether any requested operation talks to firmware
func (s *Settings) needsDevice() bool {
	return s.Info || s.Features || s.Dpm || s.DpmRange != "" || s.Metrics || s.Policy != "" ||
		s.powerLimitSet || s.EepromRd != "" || s.EepromWr != "" || s.Reset != "" || s.Ras || s.Trace || s.Serve
}

// loadConfig reads the yaml file when one is given, otherwise the environment.
// Flag overrides are applied by the caller.
func loadConfig(path string) (AppConfig, error) {
	cfg := AppConfig{}
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Smu.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func PrintTableToStdout(table any, prefix, indent string) {
	s, _ := json.MarshalIndent(table, prefix, indent)
	fmt.Print(string(s), "\n")
}

// parseNumber accepts decimal or 0x prefixed hex
func parseNumber(s string, bits int) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, bits)
}

func parseDpmRange(arg string) (smu.DpmDomain, uint32, uint32, error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("dpm-range %q: want DOMAIN:MIN:MAX", arg)
	}
	dom := smu.DpmDomain(-1)
	for d := smu.DpmDomain(0); d < smu.DPM_DOMAIN_COUNT; d++ {
		if strings.EqualFold(parts[0], d.String()) {
			dom = d
		}
	}
	if dom < 0 {
		return 0, 0, 0, fmt.Errorf("dpm-range: unknown domain %q", parts[0])
	}
	lo, err := parseNumber(parts[1], 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("dpm-range min: %w", err)
	}
	hi, err := parseNumber(parts[2], 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("dpm-range max: %w", err)
	}
	return dom, uint32(lo), uint32(hi), nil
}

// parsePolicy returns the kind and, when set is true, the level to apply
func parsePolicy(arg string) (kind smu.PolicyKind, level uint32, set bool, err error) {
	name, lvl, set := strings.Cut(arg, "=")
	if kind, err = smu.ParsePolicyKind(name); err != nil {
		return 0, 0, false, err
	}
	if !set {
		return kind, 0, false, nil
	}
	// accept the level by name or number
	for l := uint32(0); l < 32; l++ {
		if strings.EqualFold(lvl, kind.LevelName(l)) {
			return kind, l, true, nil
		}
	}
	v, err := parseNumber(lvl, 32)
	if err != nil {
		return 0, 0, false, fmt.Errorf("policy %s level %q: %w", kind, lvl, err)
	}
	return kind, uint32(v), true, nil
}

func parseEepromRead(arg string) (uint16, int, error) {
	a, n, ok := strings.Cut(arg, ":")
	if !ok {
		return 0, 0, fmt.Errorf("eeprom-read %q: want ADDR:LEN", arg)
	}
	addr, err := parseNumber(a, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("eeprom-read addr: %w", err)
	}
	length, err := parseNumber(n, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("eeprom-read len: %w", err)
	}
	return uint16(addr), int(length), nil
}

func parseEepromWrite(arg string) (uint16, []byte, error) {
	a, h, ok := strings.Cut(arg, ":")
	if !ok {
		return 0, nil, fmt.Errorf("eeprom-write %q: want ADDR:HEX", arg)
	}
	addr, err := parseNumber(a, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("eeprom-write addr: %w", err)
	}
	data, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return 0, nil, fmt.Errorf("eeprom-write data: %w", err)
	}
	if len(data) == 0 {
		return 0, nil, errors.New("eeprom-write: no data")
	}
	return uint16(addr), data, nil
}

func main() {

	// Extract settings and initialize context using command line args, env, config file, or defaults
	settings := Settings{}
	ctx, cancel, err := settings.InitContext(os.Args, context.Background())
	defer cancel()

	if err != nil {
		fmt.Printf("ERROR: parsing parameters, err=%v\n", err)
		os.Exit(1)
	}

	// Set verbosity level according to the 'verbosity' flag
	var l klog.Level
	l.Set(settings.Verbosity)

	// smu-util banner
	args := strings.Join(os.Args[1:], " ")
	klog.V(smu.DBG_LVL_BASIC).InfoS("smu-util", "args", args)
	klog.V(smu.DBG_LVL_INFO).InfoS("smu-util", "settings", settings)

	if settings.Version {
		fmt.Println("[] smu-util", "version", Version, "build", buildTime)
		os.Exit(0)
	}

	if settings.Help {
		fmt.Print(helptxt)
		os.Exit(0)
	}

	cfg, err := loadConfig(settings.Config)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	if settings.ListenAddr != "" {
		cfg.Exporter.ListenAddr = settings.ListenAddr
	}

	sysfs := pcidev.NewSysfs()

	if settings.List {
		if err := listGpus(sysfs); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	}

	if !settings.needsDevice() {
		os.Exit(0)
	}
	if settings.PCIE == "" {
		fmt.Printf("ERROR: --PCIE is required\n")
		os.Exit(1)
	}

	gpu, err := openGpu(sysfs, settings.PCIE, cfg)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	err = run(ctx, &settings, cfg, gpu)
	if cerr := gpu.Close(); cerr != nil {
		klog.ErrorS(cerr, "smu-util: close")
	}
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func listGpus(sysfs *pcidev.Sysfs) error {
	devs, err := sysfs.ListGpus()
	if err != nil {
		return err
	}
	namer := pcidev.NewNamer()
	prFmt := "%12s | %30s | %40s | %6s \n"
	fmt.Printf("Print the list of AMD GPUs. Total devices found: %d\n", len(devs))
	fmt.Printf(prFmt, "BUS:DEV.FUN", "Vendor", "Device", "Rev")
	for _, dev := range devs {
		vendorName := namer.Vendor(dev.Header.Vendor_ID)
		if len(vendorName) > 27 {
			vendorName = vendorName[:27] + "..."
		}
		fmt.Printf(prFmt, dev.Bdf.Short(), vendorName, namer.Product(dev.Header.Vendor_ID, dev.Header.Device_ID), fmt.Sprintf("0x%02X", dev.Header.Rev_ID))
	}
	return nil
}

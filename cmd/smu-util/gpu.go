// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Seagate/gpuiov-lib/pkg/exporter"
	"github.com/Seagate/gpuiov-lib/pkg/pcidev"
	"github.com/Seagate/gpuiov-lib/pkg/smu"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// gpu is one initialized SMU with the mappings backing it
type gpu struct {
	bdf    pcidev.BDF
	smu    *smu.Smu
	mmio   *pcidev.Mmio
	region *pcidev.ReservedRegion
}

func openGpu(sysfs *pcidev.Sysfs, addr string, cfg AppConfig) (*gpu, error) {
	bdf, err := pcidev.ParseBDF(addr)
	if err != nil {
		return nil, err
	}
	dev, err := sysfs.Open(bdf)
	if err != nil {
		return nil, fmt.Errorf("no AMD GPU on BDF %s: %w", bdf, err)
	}
	g := &gpu{bdf: bdf}
	if g.mmio, err = dev.OpenBar(cfg.Bar); err != nil {
		return nil, err
	}

	var fwAlloc smu.TableAllocator = smu.HostAllocator{}
	if cfg.RegionSize > 0 {
		if g.region, err = pcidev.OpenReservedRegion(cfg.RegionPath, cfg.RegionOffset, cfg.RegionSize, cfg.RegionBase); err != nil {
			return nil, multierr.Append(err, g.Close())
		}
		fwAlloc = g.region
	} else {
		klog.Warningf("smu-util: no reserved region configured, firmware tables use host memory")
	}

	if g.smu, err = smu.New(g.mmio, cfg.Smu); err != nil {
		return nil, multierr.Append(err, g.Close())
	}
	if err = g.smu.HwInit(fwAlloc, smu.HostAllocator{}); err != nil {
		return nil, multierr.Append(err, g.Close())
	}
	return g, nil
}

func (g *gpu) Close() error {
	var errs error
	if g.smu != nil && g.smu.Tables != nil {
		errs = multierr.Append(errs, g.smu.HwFini(false))
	}
	if g.region != nil {
		errs = multierr.Append(errs, g.region.Close())
	}
	if g.mmio != nil {
		errs = multierr.Append(errs, g.mmio.Close())
	}
	return errs
}

func run(ctx context.Context, settings *Settings, cfg AppConfig, g *gpu) error {
	s := g.smu

	if settings.Info {
		fmt.Printf("GPU %s chip %s\n", g.bdf, s.Chip())
		fmt.Printf("   SMU firmware     : %s\n", smu.FwVersion(s.FwVersion()))
		fmt.Printf("   driver interface : 0x%X\n", s.DriverIfVersion())
	}

	if settings.Features {
		fmt.Printf("\nEnabled features: %s\n", s.Features.Enabled())
	}

	if settings.DpmRange != "" {
		dom, lo, hi, err := parseDpmRange(settings.DpmRange)
		if err != nil {
			return err
		}
		if err := s.Dpm.SetSoftFreqRange(dom, lo, hi); err != nil {
			return err
		}
		fmt.Printf("\n%s soft range set to %d-%d MHz\n", dom, lo, hi)
	}

	if settings.Dpm {
		fmt.Printf("\nDPM table:\n")
		tbl := s.Dpm.Table()
		for d := smu.DpmDomain(0); d < smu.DPM_DOMAIN_COUNT; d++ {
			fmt.Printf("   %-8s %s\n", d, tbl[d])
		}
	}

	if settings.Policy != "" {
		kind, level, set, err := parsePolicy(settings.Policy)
		if err != nil {
			return err
		}
		if set {
			if err := s.Policies.CompareAndSet(kind, level); err != nil {
				return err
			}
		}
		p, err := s.Policies.Get(kind)
		if err != nil {
			return err
		}
		fmt.Printf("\nPolicy %s: %s (allowed 0x%X)\n", kind, kind.LevelName(p.CurrentLevel), p.AllowedLevels)
	}

	if settings.powerLimitSet {
		if settings.PowerLimit != "" {
			watts, err := parseNumber(settings.PowerLimit, 32)
			if err != nil {
				return fmt.Errorf("powerlimit: %w", err)
			}
			if err := s.SetPowerLimit(uint32(watts)); err != nil {
				return err
			}
		}
		watts, err := s.GetPowerLimit()
		if err != nil {
			return err
		}
		fmt.Printf("\nPower limit: %d W\n", watts)
	}

	if settings.EepromWr != "" {
		addr, data, err := parseEepromWrite(settings.EepromWr)
		if err != nil {
			return err
		}
		if err := s.I2c.WriteChunked(addr, uint8(settings.Port), data); err != nil {
			return err
		}
		fmt.Printf("\nWrote %d bytes at 0x%X\n", len(data), addr)
	}

	if settings.EepromRd != "" {
		addr, n, err := parseEepromRead(settings.EepromRd)
		if err != nil {
			return err
		}
		data, err := s.I2c.ReadChunked(addr, uint8(settings.Port), n)
		if err != nil {
			return err
		}
		fmt.Printf("\nEEPROM 0x%X+%d:\n%s", addr, n, hex.Dump(data))
	}

	if settings.Metrics {
		if err := s.RefreshMetrics(); err != nil {
			return err
		}
		fmt.Printf("\nMetrics:\n")
		for _, e := range s.Metrics.Export() {
			if e.Value == smu.METRIC_VALUE_UNAVAILABLE {
				continue
			}
			fmt.Printf("   %-40s %d %s\n", e.Code, e.Value, e.Code.Unit())
		}
	}

	if settings.Ras {
		if err := printRas(s); err != nil {
			return err
		}
	}

	if settings.Reset != "" {
		if err := reset(s, settings); err != nil {
			return err
		}
	}

	if settings.Serve {
		if err := serve(ctx, g, cfg.Exporter); err != nil {
			return err
		}
	}

	if settings.Trace {
		fmt.Printf("\nMailbox trace (%d dropped):\n", s.Channel().Trace().Dropped())
		for _, e := range s.Channel().Trace().Dump() {
			fmt.Println("  ", e)
		}
	}
	return nil
}

func printRas(s *smu.Smu) error {
	for _, ce := range []bool{false, true} {
		n, err := s.Ras.QueryValidMcaCount(ce)
		if err != nil {
			return err
		}
		kind := "uncorrectable"
		if ce {
			kind = "correctable"
		}
		fmt.Printf("\nValid %s MCA banks: %d\n", kind, n)
	}
	ecc, err := s.Ras.FetchEccTable()
	if err != nil {
		return err
	}
	fmt.Printf("\nECC table:\n")
	PrintTableToStdout(ecc, "   ", "   ")
	return nil
}

func reset(s *smu.Smu, settings *Settings) error {
	switch strings.ToLower(settings.Reset) {
	case "mode1":
		if err := s.Recovery.Mode1Reset(settings.EccRecover); err != nil {
			return err
		}
		if err := s.PostResetRestore(); err != nil {
			return err
		}
	case "mode3":
		if err := s.Recovery.Mode3Reset(uint32(settings.UnitMask)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("reset %q: want mode1 or mode3", settings.Reset)
	}
	fmt.Printf("\n%s reset done\n", settings.Reset)
	return nil
}

func serve(ctx context.Context, g *gpu, cfg exporter.ServerConfig) error {
	srv := exporter.NewServer(cfg)
	opts := []exporter.Option{exporter.WithDpm(g.smu.Dpm)}
	if cfg.PollInterval > 0 {
		srv.AddPoller(g.smu.RefreshMetrics)
	} else {
		opts = append(opts, exporter.WithRefresh(g.smu.RefreshMetrics))
	}
	if err := srv.Register(exporter.New(g.bdf.String(), g.smu.Metrics, opts...)); err != nil {
		return err
	}
	return srv.Run(ctx)
}

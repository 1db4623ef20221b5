// Command dapflash erases, programs and verifies on-chip flash on an
// ARM Cortex-M target through a CMSIS-DAP probe, using a Keil FLM flash
// loader module to do the actual erase/program work on-target.
package main

import (
	"context"
	"flag"
	"io/ioutil"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"github.com/mongoose-os/dapflash/adiv5"
	"github.com/mongoose-os/dapflash/cortex"
	"github.com/mongoose-os/dapflash/dap"
	"github.com/mongoose-os/dapflash/flash"
	"github.com/mongoose-os/dapflash/flm"
	"github.com/mongoose-os/dapflash/internal/multierror"
	"github.com/mongoose-os/dapflash/internal/ourutil"
	"github.com/mongoose-os/dapflash/internal/pflagenv"
	"github.com/mongoose-os/dapflash/probe"
	"github.com/mongoose-os/dapflash/romtable"
	"github.com/mongoose-os/dapflash/swd"
)

var (
	kindFlag   = pflag.String("kind", "hid", "probe transport: hid or winusb")
	vidFlag    = pflag.Uint16("vid", 0x0d28, "probe USB vendor ID")
	pidFlag    = pflag.Uint16("pid", 0x0204, "probe USB product ID")
	serialFlag = pflag.String("serial", "", "probe USB serial number (empty matches any)")
	ifaceFlag  = pflag.Int("usb-interface", 0, "WinUSB interface number")
	epInFlag   = pflag.Int("usb-ep-in", 0x81, "WinUSB IN endpoint address")
	epOutFlag  = pflag.Int("usb-ep-out", 0x01, "WinUSB OUT endpoint address")

	connectFlag = pflag.String("connect-mode", "swd", "wire protocol: swd, jtag or auto")
	clockFlag   = pflag.Uint32("clock-hz", 1000000, "SWJ clock rate")
	apSelFlag   = pflag.Uint8("ap", 0, "AHB-AP select index")

	flmFlag     = pflag.String("flm", "", "path to the Keil FLM flash loader module")
	pdscFlag    = pflag.String("pdsc", "", "path to the device family's PDSC descriptor (optional)")
	deviceFlag  = pflag.String("device", "", "device name to look up in --pdsc (optional)")
	ramBaseFlag = pflag.Uint32("ram-base", 0, "override the algorithm's RAM load address")

	addrFlag     = pflag.Uint32("addr", 0, "flash address to program at")
	fileFlag     = pflag.String("file", "", "binary image to program")
	eraseChip    = pflag.Bool("erase-chip", false, "mass-erase before programming instead of sector erase")
	resetRunFlag = pflag.Bool("reset-run", true, "reset and let the target run after flashing")

	timeoutFlag = pflag.Duration("timeout", 60*time.Second, "overall operation timeout")
)

func connectMode() dap.ConnectMode {
	switch *connectFlag {
	case "jtag":
		return dap.ConnectModeJTAG
	case "auto":
		return dap.ConnectModeAuto
	default:
		return dap.ConnectModeSWD
	}
}

func probeKind() probe.Kind {
	if *kindFlag == "winusb" {
		return probe.KindWinUSB
	}
	return probe.KindHID
}

// run wires the whole pipeline together. Its teardown (closing the probe
// channel, the DAP session, and disconnecting) happens via deferred
// closures that fold any cleanup failure into the returned error with
// multierror, rather than silently discarding it the way a bare deferred
// Close() call would.
func run(ctx context.Context) (err error) {
	if *flmFlag == "" {
		return errors.Errorf("--flm is required")
	}
	if *fileFlag == "" {
		return errors.Errorf("--file is required")
	}
	data, err := ioutil.ReadFile(*fileFlag)
	if err != nil {
		return errors.Annotatef(err, "failed to read %s", *fileFlag)
	}

	desc := probe.Descriptor{
		Kind: probeKind(), VendorID: *vidFlag, ProductID: *pidFlag, Serial: *serialFlag,
		Interface: *ifaceFlag, EndpointIn: *epInFlag, EndpointOut: *epOutFlag,
	}
	reg := probe.NewRegistry()
	ch, err := reg.Open(desc)
	if err != nil {
		return errors.Annotatef(err, "failed to open probe %s", desc)
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			err = multierror.Append(err, errors.Annotatef(cerr, "failed to close probe channel"))
		}
	}()

	sess, err := dap.NewSession(ctx, ch)
	if err != nil {
		return errors.Annotatef(err, "failed to negotiate with probe")
	}
	defer func() {
		if cerr := sess.Close(ctx); cerr != nil {
			err = multierror.Append(err, errors.Annotatef(cerr, "failed to close DAP session"))
		}
	}()

	fwv, _ := sess.GetFirmwareVersion(ctx)
	ourutil.Reportf("Connected to probe %s (firmware %s)", desc, fwv)

	if err := sess.Connect(ctx, connectMode()); err != nil {
		return errors.Annotatef(err, "DAP_Connect failed")
	}
	defer func() {
		if derr := sess.Disconnect(ctx); derr != nil {
			err = multierror.Append(err, errors.Annotatef(derr, "failed to disconnect"))
		}
	}()
	if err := sess.SWJClock(ctx, *clockFlag); err != nil {
		return errors.Annotatef(err, "failed to set SWJ clock")
	}
	if err := sess.TransferConfigure(ctx, 0, 0xffff, 0); err != nil {
		return errors.Annotatef(err, "DAP_TransferConfigure failed")
	}

	dp := adiv5.NewDP(sess)
	checkConnected := func(ctx context.Context) (bool, error) {
		_, err := dp.GetIDR(ctx)
		return err == nil, nil
	}
	if err := swd.ConnectWithFallback(ctx, sess, checkConnected); err != nil {
		return errors.Annotatef(err, "failed to bring up the SWD line")
	}
	if err := dp.Init(ctx); err != nil {
		return errors.Annotatef(err, "DP init failed")
	}
	if err := dp.SetDbgPower(ctx, true, true); err != nil {
		return errors.Annotatef(err, "failed to power up debug domain")
	}
	if err := dp.CheckHealth(ctx); err != nil {
		return errors.Annotatef(err, "DP health check failed")
	}

	mem := adiv5.NewMemAP(dp, *apSelFlag)
	if err := mem.Init(ctx); err != nil {
		return errors.Annotatef(err, "MEM-AP init failed")
	}

	if rt, err := romtable.Walk(ctx, mem); err != nil {
		glog.Warningf("ROM table walk failed (continuing): %s", err)
	} else {
		glog.V(1).Infof("SCS base: 0x%08x", rt.SCS())
	}

	debug := cortex.New(mem)
	name, err := debug.Identify(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to identify target core")
	}
	ourutil.Reportf("Target core: %s", name)

	if err := debug.ResetHalt(ctx); err != nil {
		return errors.Annotatef(err, "failed to halt the target")
	}

	var pdsc map[string]*flm.Device
	if *pdscFlag != "" {
		f, err := os.Open(*pdscFlag)
		if err != nil {
			return errors.Annotatef(err, "failed to open %s", *pdscFlag)
		}
		pdsc, err = flm.ParsePDSC(f)
		f.Close()
		if err != nil {
			return errors.Annotatef(err, "failed to parse %s", *pdscFlag)
		}
	}
	algo, err := flm.Load(*flmFlag, flm.LoadOptions{DeviceName: *deviceFlag, PDSC: pdsc, RAMBase: *ramBaseFlag})
	if err != nil {
		return errors.Annotatef(err, "failed to load flash algorithm")
	}
	ourutil.Reportf("Flash device: %s (%d bytes, %d-byte pages)", algo.Device.Name, algo.Device.Size, algo.Device.PageSize)

	policy := flash.DefaultPolicy
	if *eraseChip {
		policy.PreErase = flash.PreEraseChip
	}
	if *resetRunFlag {
		policy.PostProgram = flash.PostProgramResetRun
	}

	orch := flash.New(debug, mem, algo, policy)
	orch.SetProgress(func(p flash.Progress) {
		glog.V(1).Infof("%s: 0x%08x %d/%d", p.Stage, p.Address, p.Done, p.Total)
	})

	if err := orch.Flash(ctx, *addrFlag, data); err != nil {
		return errors.Annotatef(err, "flashing failed")
	}
	ourutil.Reportf("Programmed and verified %d bytes at 0x%08x", len(data), *addrFlag)
	return nil
}

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	pflagenv.Parse("DAPFLASH_")

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	if err := run(ctx); err != nil {
		ourutil.Reportf("Error: %s", errors.ErrorStack(err))
		os.Exit(1)
	}
}

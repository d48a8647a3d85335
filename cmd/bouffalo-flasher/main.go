package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/bouffalo-flasher/internal/chip"
	"github.com/bigbag/bouffalo-flasher/internal/config"
	"github.com/bigbag/bouffalo-flasher/internal/detect"
	"github.com/bigbag/bouffalo-flasher/internal/flasher"
	"github.com/bigbag/bouffalo-flasher/internal/image"
	"github.com/bigbag/bouffalo-flasher/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag      string
	baudFlag      int
	flashBaudFlag int
	chipFlag      string
	loaderFlag    string
	forceFlag     bool
	verboseFlag   bool
	traceFlag     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bouffalo-flasher",
		Short: "Flash firmware to Bouffalo (BL602/BL808) devices",
		Long: `Bouffalo Flasher is a cross-platform tool for flashing firmware to
Bouffalo BL60x/BL80x devices over their serial ROM bootloader.

The eflash loader used for the second bootstrap stage is embedded in
this tool. You only need to provide the firmware .bin files.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case traceFlag:
				logrus.SetLevel(logrus.TraceLevel)
			case verboseFlag:
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 0, "Initial baud rate")
	rootCmd.PersistentFlags().IntVar(&flashBaudFlag, "flash-baud", 0, "Baud rate used while flashing")
	rootCmd.PersistentFlags().StringVarP(&chipFlag, "chip", "c", "", "Chip type (bl602, bl808)")
	rootCmd.PersistentFlags().StringVar(&loaderFlag, "loader", "", "External eflash loader image (overrides the embedded one)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false, "Trace logging (implies --verbose)")

	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin@0xADDR> [more.bin@0xADDR...]",
		Short: "Flash firmware to device",
		Long: `Flash one or more raw binary images to the device.

Each argument is a file with its flash address, e.g. boot2.bin@0x0
firmware.bin@0x10000. Regions whose flash contents already match are
skipped unless --force is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().BoolVar(&forceFlag, "force", false, "Program even when the flash contents already match")

	checkCmd := &cobra.Command{
		Use:   "check <firmware.bin@0xADDR> [more.bin@0xADDR...]",
		Short: "Compare flash contents against images",
		Long:  "Compare each image against the device flash by SHA-256 without programming.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCheck,
	}

	dumpCmd := &cobra.Command{
		Use:   "dump <start> <end> <out.bin>",
		Short: "Dump a flash range to a file",
		Args:  cobra.ExactArgs(3),
		RunE:  runDump,
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device boot info",
		RunE:  runInfo,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the device into the application firmware",
		RunE:  runReset,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bouffalo-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, checkCmd, dumpCmd, infoCmd, resetCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// settings resolves the effective configuration: config file first,
// then command-line flags.
func settings() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if portFlag != "" {
		cfg.Port = portFlag
	}
	if baudFlag != 0 {
		cfg.InitialBaud = baudFlag
	}
	if flashBaudFlag != 0 {
		cfg.FlashBaud = flashBaudFlag
	}
	if chipFlag != "" {
		cfg.Chip = chipFlag
	}
	return cfg, nil
}

// connect opens the port and brings the chip into its ROM bootloader.
// The caller must Close the returned port.
func connect(cfg *config.Config) (*flasher.Session, *serial.Port, error) {
	target, err := chip.ByName(cfg.Chip)
	if err != nil {
		return nil, nil, err
	}

	portName := cfg.Port
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(cfg.InitialBaud)
		if err != nil {
			return nil, nil, fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found bootloader on %s\n", result.Port)
	}

	port, err := serial.Open(portName, cfg.InitialBaud)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open port: %w", err)
	}
	fmt.Printf("Port: %s @ %d baud\n", portName, cfg.InitialBaud)

	session, err := flasher.Connect(target, port, cfg.InitialBaud, cfg.FlashBaud)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	session.SetProgressSink(&barSink{})

	if loaderFlag != "" {
		blob, err := os.ReadFile(loaderFlag)
		if err != nil {
			port.Close()
			return nil, nil, fmt.Errorf("failed to read loader image: %w", err)
		}
		if err := chip.ValidateLoader(blob); err != nil {
			port.Close()
			return nil, nil, err
		}
		session.SetLoader(blob)
	}

	return session, port, nil
}

func loadSegments(args []string) ([]image.Segment, error) {
	var segments []image.Segment
	for _, arg := range args {
		segment, err := image.ParseArg(arg)
		if err != nil {
			return nil, err
		}
		fmt.Printf("Image: %s at 0x%X (%d bytes)\n", segment.Name, segment.Addr, segment.Size())
		segments = append(segments, segment)
	}
	return segments, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	segments, err := loadSegments(args)
	if err != nil {
		return err
	}

	cfg, err := settings()
	if err != nil {
		return err
	}
	session, port, err := connect(cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	if err := session.LoadSegments(forceFlag, segments); err != nil {
		return err
	}

	fmt.Println("Flash complete!")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	segments, err := loadSegments(args)
	if err != nil {
		return err
	}

	cfg, err := settings()
	if err != nil {
		return err
	}
	session, port, err := connect(cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	return session.CheckSegments(segments)
}

func runDump(cmd *cobra.Command, args []string) error {
	start, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	end, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	if end < start {
		return fmt.Errorf("dump end 0x%X is before start 0x%X", end, start)
	}

	out, err := os.Create(args[2])
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	cfg, err := settings()
	if err != nil {
		return err
	}
	session, port, err := connect(cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	if err := session.DumpFlash(start, end, out); err != nil {
		return err
	}

	fmt.Printf("Dumped 0x%X..0x%X to %s\n", start, end, args[2])
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := settings()
	if err != nil {
		return err
	}
	session, port, err := connect(cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	info := session.BootInfo()
	fmt.Printf("  Chip:            %s\n", cfg.Chip)
	fmt.Printf("  Bootrom version: 0x%08X\n", info.BootromVersion)
	fmt.Printf("  OTP info:        %X\n", info.OTPInfo)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := settings()
	if err != nil {
		return err
	}
	if cfg.Port == "" {
		return fmt.Errorf("reset needs an explicit port (-p)")
	}

	port, err := serial.Open(cfg.Port, cfg.InitialBaud)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	if err := port.HardReset(); err != nil {
		return err
	}
	fmt.Println("Device reset")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint32(v), nil
}

// barSink renders transfer progress with a terminal progress bar.
type barSink struct {
	bar *progressbar.ProgressBar
}

func (b *barSink) Start(total int64) {
	b.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Transferring"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *barSink) Add(n int64) {
	if b.bar != nil {
		b.bar.Add64(n)
	}
}

func (b *barSink) Finish() {
	if b.bar != nil {
		b.bar.Finish()
		b.bar = nil
	}
}

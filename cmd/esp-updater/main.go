package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/crypt"
	"github.com/bigbag/esp-updater/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag       string
	flashFlag        string
	portFlag         string
	baudFlag         int
	flashSizeFlag    string
	partitionsFlag   string
	cryptKeyFlag     string
	cryptModeFlag    string
	cryptAddressFlag uint32
	cryptConfigFlag  uint8
	noRebootFlag     bool

	spiffsFlag       bool
	labelFlag        string
	md5Flag          string
	checksumFlag     string
	digestFlag       string
	signedFlag       bool
	trustedCertsFlag []string
	allowLegacyFlag  bool
	partialFlag      bool
	verifyFlag       bool

	factoryFlag string
	probeFlag   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "esp-updater",
		Short: "Apply OTA firmware updates to ESP32 flash",
		Long: `esp-updater writes application and filesystem images into the OTA
partitions of an ESP32 the way the on-device updater does: the image goes
to the next OTA slot, the first 16 bytes are written last, and the slot is
selected for boot only when every check passed.

The target is either a flash dump file (--flash) or a device in its ROM
bootloader on a serial port (--port, auto-detected when omitted).`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "Device profile (YAML)")
	pf.StringVarP(&flashFlag, "flash", "f", "", "Flash dump file to operate on instead of a device")
	pf.StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	pf.IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	pf.StringVar(&flashSizeFlag, "flash-size", "4M", "Flash size")
	pf.StringVar(&partitionsFlag, "partitions", "", "Partition table (partitions.csv or binary) instead of the one in flash")
	pf.StringVar(&cryptKeyFlag, "crypt-key", "", "Flash encryption key file")
	pf.StringVar(&cryptModeFlag, "crypt-mode", "auto", "Image decryption: none, auto or on")
	pf.Uint32Var(&cryptAddressFlag, "crypt-address", 0, "Flash address the image was encrypted for (default: target partition offset)")
	pf.Uint8Var(&cryptConfigFlag, "crypt-config", crypt.ConfigAll, "FLASH_CRYPT_CONFIG efuse value")
	pf.BoolVar(&noRebootFlag, "no-reboot", false, "Leave the device in the bootloader")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	pf.AddGoFlagSet(klogFlags)

	// Apply command
	applyCmd := &cobra.Command{
		Use:   "apply <image>",
		Short: "Write an update image",
		Long: `Write an application image to the next OTA partition and select it
for boot, or a filesystem image to the SPIFFS (or FAT) partition.

With --checksum the payload digest is checked before the image becomes
bootable. With --signed the image must start with a RedWax header carrying
an RFC 3161 timestamp token over the payload, issued under one of the
--trusted-certs roots.`,
		Args: cobra.ExactArgs(1),
		RunE: runApply,
	}
	applyCmd.Flags().BoolVar(&spiffsFlag, "spiffs", false, "Write a filesystem image")
	applyCmd.Flags().StringVar(&labelFlag, "label", "", "Filesystem partition label")
	applyCmd.Flags().StringVar(&md5Flag, "md5", "", "Expected MD5 of the written image")
	applyCmd.Flags().StringVar(&checksumFlag, "checksum", "", "Expected payload digest (hex)")
	applyCmd.Flags().StringVar(&digestFlag, "digest", "auto", "Digest of --checksum: auto, MD5, SHA-1, SHA-224, SHA-256, SHA-384 or SHA-512")
	applyCmd.Flags().BoolVar(&signedFlag, "signed", false, "Require an RFC 3161 signed upload")
	applyCmd.Flags().StringSliceVar(&trustedCertsFlag, "trusted-certs", nil, "PEM files with trusted timestamping roots")
	applyCmd.Flags().BoolVar(&allowLegacyFlag, "allow-legacy", false, "Accept unsigned images with --signed")
	applyCmd.Flags().BoolVar(&partialFlag, "partial", false, "Accept an image shorter than the file")
	applyCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify after writing")

	// Rollback command
	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Boot the other OTA slot",
		Args:  cobra.NoArgs,
		RunE:  runRollback,
	}

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show partitions and boot selection",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	// Mkflash command
	mkflashCmd := &cobra.Command{
		Use:   "mkflash <out>",
		Short: "Create a blank flash dump",
		Long: `Create an erased flash dump holding a partition table and empty
otadata. The embedded Arduino default layout is used unless --partitions
is given. --factory writes an application image to the factory partition,
or to the first OTA slot when there is none.`,
		Args: cobra.ExactArgs(1),
		RunE: runMkflash,
	}
	mkflashCmd.Flags().StringVar(&factoryFlag, "factory", "", "Application image to preload")

	// Inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "Show an application image header",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().BoolVar(&probeFlag, "probe", false, "Probe each port for a ROM bootloader")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esp-updater %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(applyCmd, rollbackCmd, infoCmd, mkflashCmd, inspectCmd, listCmd, versionCmd)
	return rootCmd
}

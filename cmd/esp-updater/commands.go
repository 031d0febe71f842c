package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigbag/esp-updater/embedded"
	"github.com/bigbag/esp-updater/internal/detect"
	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/image"
	"github.com/bigbag/esp-updater/internal/partition"
	"github.com/bigbag/esp-updater/internal/processor"
	"github.com/bigbag/esp-updater/internal/protocol"
	"github.com/bigbag/esp-updater/internal/serial"
	"github.com/bigbag/esp-updater/internal/target"
	"github.com/bigbag/esp-updater/internal/update"
)

func runRollback(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Flags())
	if err != nil {
		return err
	}
	defer s.Close()

	u := update.New(s.target)
	from := s.target.BootPartition()
	if !u.CanRollBack() {
		return errors.New("no bootable image in the other OTA slot")
	}
	if err := u.RollBack(); err != nil {
		return err
	}
	fmt.Printf("Boot partition: %s -> %s\n", label(from), label(s.target.BootPartition()))

	s.reboot()
	return nil
}

func label(p *partition.Partition) string {
	if p == nil {
		return "none"
	}
	return p.Label
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Flags())
	if err != nil {
		return err
	}
	defer s.Close()
	t := s.target

	if f := s.flasher; f != nil {
		fmt.Printf("Chip:       %s\n", f.ChipName())
		if info := f.Info(); info != nil {
			fmt.Printf("Encrypted:  %v\n", info.FlashEncrypted())
		}
	}
	fmt.Printf("Boot:       %s\n", label(t.BootPartition()))
	fmt.Printf("Next OTA:   %s\n\n", label(t.NextUpdatePartition()))
	fmt.Print(t.Table().String())

	if d := t.OTAData(); d != nil {
		fmt.Println("\nOTA data:")
		active := d.Active()
		for i, e := range d.Entries {
			mark := " "
			if i == active {
				mark = "*"
			}
			fmt.Printf(" %s %d: seq 0x%08X state %-14s valid %v\n", mark, i, e.Seq, e.State, e.Valid())
		}
	} else {
		fmt.Println("\nNo otadata partition")
	}

	fmt.Println("\nApplications:")
	parts := t.Table().Partitions
	for i := range parts {
		p := &parts[i]
		if p.Type != partition.TypeApp {
			continue
		}
		status := "empty"
		head := make([]byte, image.HeaderSize)
		if err := t.Read(p, 0, head); err != nil {
			status = err.Error()
		} else if head[0] == update.ImageMagic {
			status = "bootable"
		}
		fmt.Printf("  %-16s %s\n", p.Label, status)
	}
	return nil
}

func runMkflash(cmd *cobra.Command, args []string) error {
	out := args[0]

	p, err := loadProfile(cmd.Flags())
	if err != nil {
		return err
	}
	size, err := p.Size()
	if err != nil {
		return err
	}
	table, err := p.LoadPartitions()
	if err != nil {
		return err
	}
	if table == nil {
		if table, err = embedded.Partitions(); err != nil {
			return err
		}
	}
	var opts []target.Option
	key, err := p.CryptKey()
	if err != nil {
		return err
	}
	if key != nil {
		opts = append(opts, target.WithFlashEncryption(key, p.CryptConfig()))
	}

	dev, err := flash.CreateFile(out, size, p.Geometry)
	if err != nil {
		return err
	}
	defer dev.Close()

	t, err := target.Format(dev, table, opts...)
	if err != nil {
		return err
	}
	if factoryFlag != "" {
		if err := writeFactory(t, factoryFlag); err != nil {
			return err
		}
	}

	fmt.Printf("Created %s (%d bytes)\n\n", out, size)
	fmt.Print(table.String())
	return nil
}

// writeFactory preloads an application into the factory partition, or into
// the first OTA slot which is then selected for boot.
func writeFactory(t *target.Target, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read factory image: %w", err)
	}
	if len(data) == 0 || data[0] != update.ImageMagic {
		return fmt.Errorf("factory image %s: not an application image", path)
	}

	dest := t.FindPartition(partition.TypeApp, partition.SubtypeFactory, "")
	if dest == nil {
		slots := t.Table().OTASlots()
		if len(slots) == 0 {
			return errors.New("no application partition for the factory image")
		}
		dest = slots[0]
	}
	// Encrypted partitions are written in whole 16 byte blocks.
	if pad := len(data) % update.EncryptedBlockSize; pad != 0 {
		data = append(data, bytes.Repeat([]byte{flash.Erased}, update.EncryptedBlockSize-pad)...)
	}
	if uint32(len(data)) > dest.Size {
		return fmt.Errorf("factory image of %d bytes exceeds %s", len(data), dest)
	}

	sector := t.Geometry().SectorSize
	n := (uint32(len(data)) + sector - 1) / sector * sector
	if err := t.EraseRange(dest, 0, n); err != nil {
		return err
	}
	if err := t.Write(dest, 0, data); err != nil {
		return err
	}
	fmt.Printf("Factory image: %s (%d bytes) in %s\n", path, len(data), dest.Label)
	if dest.IsOTA() {
		return t.SetBootPartition(dest)
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	header, tokenLen, payload, err := splitSigned(data)
	if err != nil {
		return err
	}
	if header != "" {
		fmt.Printf("Signed:     %s (%d byte token)\n", header, tokenLen)
	}

	img, err := image.Parse(payload)
	if err != nil {
		return err
	}
	fmt.Print(img.String())
	if err := img.Verify(); err != nil {
		fmt.Println("Verify:     FAILED")
		return err
	}
	fmt.Println("Verify:     OK")
	return nil
}

// splitSigned strips a RedWax header and its timestamp token from a signed
// upload. Unsigned data is returned unchanged with an empty header.
func splitSigned(data []byte) (header string, tokenLen int, payload []byte, err error) {
	if !bytes.HasPrefix(data, []byte(processor.RedWaxPrefix)) {
		return "", 0, data, nil
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return "", 0, nil, fmt.Errorf("%w: no end of header line", processor.ErrBadToken)
	}
	der := data[nl+1:]
	if len(der) < 4 || der[0] != 0x30 || der[1] != 0x82 {
		return "", 0, nil, fmt.Errorf("%w: token is not a DER SEQUENCE", processor.ErrBadToken)
	}
	tokenLen = 4 + (int(der[2])<<8 | int(der[3]))
	if tokenLen > len(der) {
		return "", 0, nil, fmt.Errorf("%w: token truncated", processor.ErrBadToken)
	}
	return string(data[:nl]), tokenLen, der[tokenLen:], nil
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
		line := p.Name
		if p.IsUSB {
			line += fmt.Sprintf("  [%s:%s]", p.VID, p.PID)
		}
		if b := p.Bridge(); b != "" {
			line += "  " + b
		}
		if p.Product != "" {
			line += "  " + p.Product
		}
		fmt.Printf("  %s\n", line)
	}

	if !probeFlag {
		return nil
	}

	fmt.Println("\nScanning for ESP32 devices...")
	devices, err := detect.NewScanner(protocol.ROMBaudRate).All()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No ESP32 devices found")
		return nil
	}
	fmt.Printf("Found %d device(s):\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %-20s %s", d.Port, d.ChipName)
		if d.FlashEncrypted {
			fmt.Print(" (flash encrypted)")
		}
		fmt.Println()
	}
	return nil
}

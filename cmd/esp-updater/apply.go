package main

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bigbag/esp-updater/internal/config"
	"github.com/bigbag/esp-updater/internal/partition"
	"github.com/bigbag/esp-updater/internal/processor"
	"github.com/bigbag/esp-updater/internal/update"
)

func newBar(description string, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func runApply(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	file, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat image: %w", err)
	}
	if st.Size() == 0 || st.Size() >= update.SizeUnknown {
		return fmt.Errorf("image %s: invalid size %d", imagePath, st.Size())
	}
	fmt.Printf("Image: %s (%d bytes)\n", imagePath, st.Size())

	s, err := openSession(cmd.Flags())
	if err != nil {
		return err
	}
	defer s.Close()

	chain, err := buildChain(cmd.Flags(), s.profile)
	if err != nil {
		return err
	}

	u := update.New(s.target)
	if err := setupCrypt(u, s.profile); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	var written uint32
	u.OnProgress(func(current, total uint32) {
		if bar == nil {
			bar = newBar("Writing", int(total))
		}
		_ = bar.Set(int(current))
		written = current
	})

	kind := update.CommandFlash
	if spiffsFlag {
		kind = update.CommandSPIFFS
	}
	// A processed upload carries a header of unknown length, so the session
	// is opened for the whole partition and truncated at the end.
	size := uint32(st.Size())
	if chain != nil {
		size = update.SizeUnknown
	}
	if err := u.Begin(size, kind, update.WithLabel(labelFlag)); err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	part := u.Partition()
	fmt.Printf("Target: %s\n", part)

	if md5Flag != "" {
		if err := u.SetMD5(md5Flag); err != nil {
			u.Abort()
			return err
		}
	}
	if s.profile.Crypt.Address == 0 {
		u.SetCryptAddress(part.Offset)
	}

	switch {
	case chain != nil:
		up := processor.NewUploader(chain, u, kind)
		if _, err = io.Copy(up, file); err == nil {
			err = up.Finish(true)
		}
	default:
		if _, err = u.WriteStream(file); err == nil {
			err = u.End(partialFlag)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		u.Abort()
		return fmt.Errorf("update failed: %w", err)
	}
	fmt.Printf("\nWrote %d bytes to %s (md5 %s)\n", written, part.Label, u.MD5String())

	if verifyFlag && kind == update.CommandFlash {
		fmt.Println("Verifying...")
		if err := verifyWritten(s, part, written, u.MD5Sum()); err != nil {
			return err
		}
		fmt.Println("Verified!")
	}
	if kind == update.CommandFlash {
		fmt.Printf("Boot partition: %s\n", s.target.BootPartition().Label)
	}

	s.reboot()
	fmt.Println("Done!")
	return nil
}

// buildChain returns the processor chain selected by --checksum and
// --signed, or nil for a plain image.
func buildChain(flags *pflag.FlagSet, p *config.Profile) (processor.Processor, error) {
	var chain processor.Processor
	if checksumFlag != "" {
		typ, err := processor.ParseDigestType(digestFlag)
		if err != nil {
			return nil, err
		}
		c := processor.NewChecksum(nil)
		if err := c.SetChecksum(checksumFlag, typ); err != nil {
			return nil, err
		}
		chain = c
	}
	if signedFlag {
		if flags.Changed("trusted-certs") {
			p.TrustedCerts = trustedCertsFlag
		}
		if flags.Changed("allow-legacy") {
			p.AllowLegacy = allowLegacyFlag
		}
		r := processor.NewRFC3161(chain)
		if err := p.ConfigureRFC3161(r); err != nil {
			return nil, err
		}
		chain = r
	}
	return chain, nil
}

func setupCrypt(u *update.Updater, p *config.Profile) error {
	mode, err := p.CryptMode()
	if err != nil {
		return err
	}
	key, err := p.CryptKey()
	if err != nil {
		return err
	}
	if key == nil {
		return u.SetCryptMode(mode)
	}
	return u.SetupCrypt(key, p.Crypt.Address, p.CryptConfig(), mode)
}

// verifyWritten compares the MD5 of the first n bytes of p with want. A
// serial device hashes its flash itself.
func verifyWritten(s *session, p *partition.Partition, n uint32, want []byte) error {
	var got []byte
	if s.flasher != nil {
		sum, err := s.flasher.MD5(p.Offset, n)
		if err != nil {
			return fmt.Errorf("verify failed: %w", err)
		}
		got = sum[:]
	} else {
		h := md5.New()
		buf := make([]byte, s.target.Geometry().SectorSize)
		for off := uint32(0); off < n; {
			chunk := buf
			if left := n - off; left < uint32(len(chunk)) {
				chunk = chunk[:left]
			}
			if err := s.target.Read(p, off, chunk); err != nil {
				return fmt.Errorf("verify failed: %w", err)
			}
			h.Write(chunk)
			off += uint32(len(chunk))
		}
		got = h.Sum(nil)
	}
	if !bytes.Equal(got, want) {
		return errors.New("verify failed: MD5 mismatch")
	}
	return nil
}

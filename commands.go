package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xxd"

	"github.com/BertoldVdb/fpgaflash/image"
	"github.com/BertoldVdb/fpgaflash/spiflash"
)

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func printProgress(p spiflash.Progress) {
	segment := ""
	if p.Segment >= 0 {
		segment = fmt.Sprintf(" segment %d/%d", p.Segment+1, p.Segments)
	}
	fmt.Fprintf(os.Stderr, "\r%-8s%s: %3.0f%%", p.Phase, segment, 100*p.Fraction)
	if p.Done == p.Total {
		fmt.Fprintln(os.Stderr)
	}
}

func requireBoard(cmd *cobra.Command) error {
	if flagBackend != backendAXI {
		return fmt.Errorf("%s needs the %s backend", cmd.Name(), backendAXI)
	}
	return nil
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the boards answering on the network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := openConnOnly()
		if err != nil {
			return err
		}
		defer conn.Close()

		devices, err := conn.Discover()
		if err != nil {
			return err
		}
		for _, m := range devices {
			fmt.Printf("DNA %016x at %v\n", m.DNA, m.IP)
		}
		if len(devices) == 0 {
			glog.Warning("No boards found")
		}
		return nil
	},
}

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Show what the flash reports about itself",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flash, _, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()

		id := flash.Identification()
		fmt.Print(id.String())

		if len(id.ExtendedData) > 0 {
			fmt.Println("Extended Data:")
			xxd.Print(0, id.ExtendedData)
		}
		if len(id.SerialFlashParameters) > 0 {
			fmt.Println("Serial Flash Discoverable Parameters:")
			xxd.Print(0, id.SerialFlashParameters)
		}

		size, source := flash.SectorSize()
		fmt.Printf("Address width: %d bytes\n", flash.AddressWidth())
		fmt.Printf("Sector size: %d bytes (%s)\n", size, source)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <address> <length> [file]",
	Short: "Read flash contents to a file or as a hex dump",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		length, err := parseUint32(args[1])
		if err != nil {
			return err
		}

		flash, _, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()

		data := make([]byte, length)
		if _, err := flash.Read(addr, data); err != nil {
			return err
		}

		if len(args) == 3 {
			return os.WriteFile(args[2], data, 0644)
		}
		xxd.Print(int(addr), data)
		return nil
	},
}

var programCmd = &cobra.Command{
	Use:   "program <file>",
	Short: "Erase and program an Intel HEX, MCS or raw binary image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetUint32("offset")
		sectorSize, _ := cmd.Flags().GetUint32("sector-size")
		verify, _ := cmd.Flags().GetBool("verify")
		reload, _ := cmd.Flags().GetBool("reload")

		if reload {
			if err := requireBoard(cmd); err != nil {
				return err
			}
		}

		img, err := image.LoadFile(args[0], offset)
		if err != nil {
			return err
		}
		if err := img.Validate(); err != nil {
			return err
		}

		for i, m := range img.Segments {
			glog.Infof("Segment %d: %v crc32 %08x", i, m, m.CRC32())
		}

		flash, b, closer, err := openFlash(
			spiflash.WithProgressFunc(printProgress),
			spiflash.WithVerify(verify),
		)
		if err != nil {
			return err
		}
		defer closer()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if reload {
			return b.Reprogram(ctx, img, sectorSize)
		}
		if err := flash.Program(ctx, img.Segments, sectorSize); err != nil {
			return err
		}

		glog.Infof("Programmed %d bytes", img.Size())
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase [address]",
	Short: "Erase the sector holding address, or the whole chip",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flash, _, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()

		if len(args) == 0 {
			glog.Info("Erasing chip")
			return flash.EraseChip()
		}

		addr, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		return flash.EraseSector(addr)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload [address]",
	Short: "Reconfigure the FPGA from flash",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBoard(cmd); err != nil {
			return err
		}

		var addr uint32
		if len(args) > 0 {
			var err error
			if addr, err = parseUint32(args[0]); err != nil {
				return err
			}
		}

		_, b, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()

		return b.ReloadFPGA(addr)
	},
}

var temperatureCmd = &cobra.Command{
	Use:   "temperature",
	Short: "Read the FPGA die temperature",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBoard(cmd); err != nil {
			return err
		}

		_, b, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()

		temp, err := b.Temperature()
		if err != nil {
			return err
		}
		fmt.Printf("%.2f C\n", temp)
		return nil
	},
}

var ledCmd = &cobra.Command{
	Use:   "led <value>",
	Short: "Write the LED register",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBoard(cmd); err != nil {
			return err
		}

		value, err := parseUint32(args[0])
		if err != nil {
			return err
		}

		_, b, closer, err := openFlash()
		if err != nil {
			return err
		}
		defer closer()

		return b.SetLED(value)
	},
}

func init() {
	programCmd.Flags().Uint32("offset", 0, "Flash address of a raw binary image")
	programCmd.Flags().Uint32("sector-size", 0, "Erase sector size, 0 to use the discovered one")
	programCmd.Flags().BoolP("verify", "V", false, "Read back and compare after programming")
	programCmd.Flags().Bool("reload", false, "Reconfigure the FPGA after programming")

	rootCmd.AddCommand(discoverCmd, identifyCmd, readCmd, programCmd, eraseCmd, reloadCmd, temperatureCmd, ledCmd)
}

package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/BertoldVdb/fpgaflash/board"
	"github.com/BertoldVdb/fpgaflash/spiflash"
	"github.com/BertoldVdb/fpgaflash/spimaster"
	"github.com/BertoldVdb/fpgaflash/udpfpga"
)

const (
	backendAXI    = "axi"
	backendPeriph = "periph"
)

var (
	flagDNA     uint64
	flagIP      string
	flagListen  string
	flagTimeout = udpfpga.DefaultConfig().Timeout
	flagBackend string
	flagBase    uint32
	flagCS      int
	flagPort    string
	flagFreq    string
	flagStrict  bool
)

var rootCmd = &cobra.Command{
	Use:           "fpgaflash",
	Short:         "Program the SPI configuration flash of an FPGA board",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.Uint64Var(&flagDNA, "dna", udpfpga.AnyDevice, "DNA of the board, 0 for the first one that answers")
	pf.StringVar(&flagIP, "ip", "", "Assign this static IP address to the board with --dna")
	pf.StringVar(&flagListen, "listen", udpfpga.DefaultConfig().ListenAddr, "Local UDP address for replies")
	pf.DurationVar(&flagTimeout, "timeout", flagTimeout, "Time to wait for a board reply")
	pf.StringVar(&flagBackend, "backend", backendAXI, "SPI master: axi (quad SPI over UDP) or periph (host SPI port)")
	pf.Uint32Var(&flagBase, "base", board.QuadSPIBase, "Register base of the quad SPI controller")
	pf.IntVar(&flagCS, "cs", board.QuadSPIDevice, "Slave select of the flash on the quad SPI controller")
	pf.StringVar(&flagPort, "spi-port", "", "Host SPI port for the periph backend, empty for the first one")
	pf.StringVar(&flagFreq, "spi-freq", "10MHz", "Clock of the host SPI port")
	pf.BoolVar(&flagStrict, "strict", false, "Fail when write enable or disable is not confirmed")

	/* glog registers on the standard flag set */
	flag.Set("logtostderr", "true")
	pf.AddGoFlagSet(flag.CommandLine)
}

func logFunc(format string, params ...any) {
	glog.Infof(format, params...)
}

func openConnOnly() (*udpfpga.Conn, error) {
	conn, err := udpfpga.Open(udpfpga.Config{
		ListenAddr: flagListen,
		Timeout:    flagTimeout,
	})
	if err != nil {
		return nil, err
	}
	conn.LogFunc = logFunc
	return conn, nil
}

func openBoardConn() (*udpfpga.Conn, error) {
	conn, err := openConnOnly()
	if err != nil {
		return nil, err
	}

	if flagIP != "" {
		ip := net.ParseIP(flagIP)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("invalid IP address %q", flagIP)
		}
		_, err = conn.AssignIP(flagDNA, ip)
	} else {
		_, err = conn.Connect(flagDNA)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func openBoard(opts ...spiflash.Option) (*board.Board, func(), error) {
	conn, err := openBoardConn()
	if err != nil {
		return nil, nil, err
	}

	b, err := board.NewAt(conn, flagBase, flagCS, opts...)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	b.LogFunc = logFunc

	return b, func() { conn.Close() }, nil
}

func openPeriphFlash(opts ...spiflash.Option) (*spiflash.Flash, func(), error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("host initialization failed: %w", err)
	}

	var freq physic.Frequency
	if err := freq.Set(flagFreq); err != nil {
		return nil, nil, fmt.Errorf("invalid SPI frequency: %w", err)
	}

	port, err := spireg.Open(flagPort)
	if err != nil {
		return nil, nil, err
	}

	conn, err := port.Connect(freq, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, err
	}

	flash, err := spiflash.New(spimaster.NewPeriph(conn), opts...)
	if err != nil {
		port.Close()
		return nil, nil, err
	}

	return flash, func() { port.Close() }, nil
}

// openFlash returns the flash of the selected backend. The board is nil
// unless the flash sits behind the quad SPI controller of a board.
func openFlash(opts ...spiflash.Option) (*spiflash.Flash, *board.Board, func(), error) {
	opts = append([]spiflash.Option{
		spiflash.WithLogFunc(logFunc),
		spiflash.WithStrictWriteEnable(flagStrict),
	}, opts...)

	switch flagBackend {
	case backendAXI:
		b, closer, err := openBoard(opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		return b.Flash(), b, closer, nil

	case backendPeriph:
		flash, closer, err := openPeriphFlash(opts...)
		return flash, nil, closer, err
	}

	return nil, nil, nil, fmt.Errorf("unknown backend %q", flagBackend)
}

func main() {
	flag.CommandLine.Parse(nil)

	err := rootCmd.Execute()
	if err != nil {
		glog.Error(err)
	}
	glog.Flush()

	if err != nil {
		os.Exit(1)
	}
}

// Command mbmaster is a command-line Modbus master for RTU and ASCII
// serial lines.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/modbusstack/mbserial/catalog"
	"github.com/modbusstack/mbserial/master"
	"github.com/modbusstack/mbserial/transport"
)

func main() {
	app := &cli.App{
		Name:  "mbmaster",
		Usage: "Command-line Modbus master over RTU or ASCII serial lines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mode",
				Aliases:  []string{"m"},
				Usage:    "Transmission mode: rtu or ascii",
				Value:    "rtu",
			},
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Serial device (e.g. /dev/ttyUSB0 or COM3)",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "slave-id",
				Aliases: []string{"s"},
				Usage:   "Modbus slave address",
				Value:   1,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Per-transaction timeout",
				Value:   time.Second,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Retries after the first attempt",
				Value: 2,
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate",
				Value: 19200,
			},
			&cli.StringFlag{
				Name:  "parity",
				Usage: "Parity: none, odd, even",
				Value: "even",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "read-coils",
				Usage: "Read coils (function code 1)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Required: true},
					&cli.UintFlag{Name: "count", Required: true},
				},
				Action: readBitsAction(func(c *catalog.Client, ctx context.Context, start, count uint16) ([]byte, error) {
					return c.ReadCoils(ctx, start, count)
				}),
			},
			{
				Name:  "read-discrete-inputs",
				Usage: "Read discrete inputs (function code 2)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Required: true},
					&cli.UintFlag{Name: "count", Required: true},
				},
				Action: readBitsAction(func(c *catalog.Client, ctx context.Context, start, count uint16) ([]byte, error) {
					return c.ReadDiscreteInputs(ctx, start, count)
				}),
			},
			{
				Name:  "read-holding-registers",
				Usage: "Read holding registers (function code 3)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Required: true},
					&cli.UintFlag{Name: "count", Required: true},
				},
				Action: readRegistersAction(func(c *catalog.Client, ctx context.Context, start, count uint16) ([]byte, error) {
					return c.ReadHoldingRegisters(ctx, start, count)
				}),
			},
			{
				Name:  "read-input-registers",
				Usage: "Read input registers (function code 4)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Required: true},
					&cli.UintFlag{Name: "count", Required: true},
				},
				Action: readRegistersAction(func(c *catalog.Client, ctx context.Context, start, count uint16) ([]byte, error) {
					return c.ReadInputRegisters(ctx, start, count)
				}),
			},
			{
				Name:  "write-coil",
				Usage: "Write a single coil (function code 5)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Required: true},
					&cli.BoolFlag{Name: "on"},
				},
				Action: func(c *cli.Context) error {
					client, closeFn, err := createClient(c)
					if err != nil {
						return err
					}
					defer closeFn()
					ctx, cancel := createContextWithSignalHandler()
					defer cancel()
					value := uint16(0x0000)
					if c.Bool("on") {
						value = 0xFF00
					}
					return client.WriteSingleCoil(ctx, uint16(c.Uint("address")), value)
				},
			},
			{
				Name:  "write-register",
				Usage: "Write a single register (function code 6)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Required: true},
					&cli.UintFlag{Name: "value", Required: true},
				},
				Action: func(c *cli.Context) error {
					client, closeFn, err := createClient(c)
					if err != nil {
						return err
					}
					defer closeFn()
					ctx, cancel := createContextWithSignalHandler()
					defer cancel()
					return client.WriteSingleRegister(ctx, uint16(c.Uint("address")), uint16(c.Uint("value")))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// createClient opens the serial device named by the global flags and
// returns a catalog.Client wired to it, along with a function that
// closes the underlying device.
func createClient(c *cli.Context) (client *catalog.Client, closeFn func(), err error) {
	driver := transport.NewSerialDriver(c.String("address"))
	dev := transport.NewDevice(0, driver)

	cfg := transport.SerialConfig{
		BaudRate: c.Int("baud"),
		DataBits: 8,
		Parity:   parseParity(c.String("parity")),
		StopBits: transport.OneStopBit,
	}
	if err := dev.Open(cfg); err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", c.String("address"), err)
	}
	if c.String("mode") == "ascii" {
		if err := dev.SetMode(transport.ModeASCII); err != nil {
			dev.Close()
			return nil, nil, err
		}
	}

	m := master.NewMaster(dev, c.Duration("timeout"), c.Int("retries"))
	return catalog.NewClient(m, byte(c.Int("slave-id"))), func() { dev.Close() }, nil
}

func parseParity(p string) transport.Parity {
	switch p {
	case "odd":
		return transport.ParityOdd
	case "none":
		return transport.ParityNone
	default:
		return transport.ParityEven
	}
}

func createContextWithSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received interrupt signal, cancelling operation")
		cancel()
	}()
	return ctx, cancel
}

func readBitsAction(read func(*catalog.Client, context.Context, uint16, uint16) ([]byte, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		client, closeFn, err := createClient(c)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx, cancel := createContextWithSignalHandler()
		defer cancel()

		start := uint16(c.Uint("start"))
		count := uint16(c.Uint("count"))
		data, err := read(client, ctx, start, count)
		if err != nil {
			return err
		}
		printBits(start, count, data)
		return nil
	}
}

func readRegistersAction(read func(*catalog.Client, context.Context, uint16, uint16) ([]byte, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		client, closeFn, err := createClient(c)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx, cancel := createContextWithSignalHandler()
		defer cancel()

		start := uint16(c.Uint("start"))
		count := uint16(c.Uint("count"))
		data, err := read(client, ctx, start, count)
		if err != nil {
			return err
		}
		printRegisters(start, count, data)
		return nil
	}
}

func printBits(start, count uint16, data []byte) {
	for i := uint16(0); i < count; i++ {
		byteIndex, bitIndex := i/8, i%8
		if int(byteIndex) >= len(data) {
			break
		}
		bit := (data[byteIndex] >> bitIndex) & 0x01
		fmt.Printf("0x%04X: %d\n", start+i, bit)
	}
}

func printRegisters(start, count uint16, data []byte) {
	for i := uint16(0); i < count; i++ {
		offset := i * 2
		if int(offset+1) >= len(data) {
			break
		}
		fmt.Printf("0x%04X: 0x%04X\n", start+i, binary.BigEndian.Uint16(data[offset:offset+2]))
	}
}

// Command mbslave runs a Modbus slave against a real serial device or,
// with -pty, a pseudo-terminal any other program can attach to as if it
// were one.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/modbusstack/mbserial/catalog"
	"github.com/modbusstack/mbserial/slave"
	"github.com/modbusstack/mbserial/transport"
)

func main() {
	app := &cli.App{
		Name:  "mbslave",
		Usage: "Run a Modbus slave over a serial device or a pseudo-terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Transmission mode: rtu or ascii",
				Value: "rtu",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "Serial device (e.g. /dev/ttyUSB0); ignored with -pty",
			},
			&cli.BoolFlag{
				Name:  "pty",
				Usage: "Open a pseudo-terminal instead of a real serial device",
			},
			&cli.IntFlag{
				Name:  "slave-id",
				Usage: "Modbus slave address (1-247)",
				Value: 1,
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
			&cli.DurationFlag{
				Name:  "poll-timeout",
				Usage: "How long each Poll waits for a request",
				Value: 5 * time.Second,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	slaveID := c.Int("slave-id")
	if slaveID < 1 || slaveID > 247 {
		return fmt.Errorf("invalid slave ID %d: must be between 1 and 247", slaveID)
	}

	var driver transport.Driver
	if c.Bool("pty") {
		pd, err := transport.NewPtyDriver()
		if err != nil {
			return fmt.Errorf("opening pty: %w", err)
		}
		fmt.Printf("client device path: %s\n", pd.SlavePath)
		driver = pd
	} else {
		address := c.String("address")
		if address == "" {
			return fmt.Errorf("-address is required unless -pty is set")
		}
		driver = transport.NewSerialDriver(address)
	}

	dev := transport.NewDevice(0, driver)
	cfg := transport.SerialConfig{
		BaudRate: c.Int("baud"),
		DataBits: 8,
		Parity:   parseParity(c.String("parity")),
		StopBits: transport.OneStopBit,
	}
	if err := dev.Open(cfg); err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()
	if c.String("mode") == "ascii" {
		if err := dev.SetMode(transport.ModeASCII); err != nil {
			return err
		}
	}

	store := slave.NewDataStore()
	table := slave.NewCommandTable()
	if err := catalog.RegisterStandardCommands(table, store); err != nil {
		return fmt.Errorf("registering command table: %w", err)
	}

	sl := slave.NewSlave(dev, byte(slaveID), table)
	sl.Logger = log.Default()

	fmt.Printf("modbus %s slave running, address %d, baud %d\n", c.String("mode"), slaveID, c.Int("baud"))

	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := sl.Poll(ctx, c.Duration("poll-timeout")); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("poll: %v", err)
		}
	}
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
		log.Println("received interrupt signal, shutting down")
		cancel()
	}()
	return ctx, cancel
}

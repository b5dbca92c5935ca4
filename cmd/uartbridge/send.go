package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kabili207/uartbridge-go/core/codec"
	"github.com/kabili207/uartbridge-go/device/port"
	"github.com/spf13/cobra"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <port> [data]",
	Short: "Send data through a bridge port",
	Long: `Open a port on a running bridge, apply a line mode, write data and
optionally read a reply. Data comes from the argument or, when omitted,
from stdin.

Example usage:
  uartbridge send "UART 1" "AT+GMR" --newline --read 64
  uartbridge send "UART 2" 48656c6c6f --hex --baud 9600
  echo "test" | uartbridge send "UART 1"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		portName := args[0]

		var data []byte
		if len(args) == 2 {
			data = []byte(args[1])
		} else {
			in, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			data = []byte(strings.TrimRight(string(in), "\r\n"))
		}

		hexMode, _ := cmd.Flags().GetBool("hex")
		addNewline, _ := cmd.Flags().GetBool("newline")
		if hexMode {
			decoded, err := parseHex(string(data))
			if err != nil {
				return fmt.Errorf("invalid hex data: %w", err)
			}
			data = decoded
		} else if addNewline {
			data = append(data, '\n')
		}

		mode, err := modeFromFlags(cmd)
		if err != nil {
			return err
		}
		readLen, _ := cmd.Flags().GetInt("read")
		readTimeout, _ := cmd.Flags().GetDuration("read-timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout(cmd))
		defer cancel()
		return sendData(ctx, cmd, portName, mode, data, readLen, readTimeout)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addRemoteFlags(sendCmd)

	addModeFlags(sendCmd)
	sendCmd.Flags().BoolP("newline", "n", false, "Add newline character to the end of data")
	sendCmd.Flags().BoolP("hex", "x", false, "Interpret data as hexadecimal (e.g., '48656c6c6f' for 'Hello')")
	sendCmd.Flags().IntP("read", "r", 0, "Read up to this many bytes after writing")
	sendCmd.Flags().Duration("read-timeout", time.Second, "How long to wait for each reply byte")
}

func sendData(ctx context.Context, cmd *cobra.Command, portName string, mode codec.ModeRequest, data []byte, readLen int, readTimeout time.Duration) error {
	c, err := dialRemote(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	out := cmd.OutOrStdout()
	if err := c.SetMode(ctx, mode); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	if err := c.Open(ctx, portName); err != nil {
		return fmt.Errorf("open %s: %w", portName, err)
	}
	defer c.Close(ctx)

	if err := c.Write(ctx, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Sent %d bytes to %s\n", len(data), portName)

	if readLen > 0 {
		reply, err := c.ReadUpTo(ctx, readLen, readTimeout)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if _, err := out.Write(reply); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Received %d bytes\n", len(reply))
	}
	return nil
}

// addModeFlags adds the line mode flags read by modeFromFlags.
func addModeFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("baud", "b", 115200, "Baud rate")
	cmd.Flags().Int("data-bits", 8, "Data bits: 5, 6, 7, 8")
	cmd.Flags().String("parity", "none", "Parity: none, odd, even, mark, space")
	cmd.Flags().Int("stop-bits", 1, "Stop bits: 1, 2")
	cmd.Flags().Bool("rts", false, "Assert RTS after applying the mode")
	cmd.Flags().Bool("dtr", false, "Assert DTR after applying the mode")
}

// modeFromFlags builds the line mode from the send flags.
func modeFromFlags(cmd *cobra.Command) (codec.ModeRequest, error) {
	baud, _ := cmd.Flags().GetInt("baud")
	dataBits, _ := cmd.Flags().GetInt("data-bits")
	parityName, _ := cmd.Flags().GetString("parity")
	stopBits, _ := cmd.Flags().GetInt("stop-bits")
	rts, _ := cmd.Flags().GetBool("rts")
	dtr, _ := cmd.Flags().GetBool("dtr")

	if baud <= 0 {
		return codec.ModeRequest{}, fmt.Errorf("invalid baud rate %d", baud)
	}
	if dataBits < 5 || dataBits > 8 {
		return codec.ModeRequest{}, fmt.Errorf("invalid data bits %d", dataBits)
	}
	parity, err := parseParity(parityName)
	if err != nil {
		return codec.ModeRequest{}, err
	}

	m := codec.ModeRequest{
		BaudRate: uint32(baud),
		DataBits: uint8(dataBits),
		Parity:   uint8(parity),
	}
	switch stopBits {
	case 1:
		m.StopBits = uint8(port.StopBitsOne)
	case 2:
		m.StopBits = uint8(port.StopBitsTwo)
	default:
		return codec.ModeRequest{}, fmt.Errorf("invalid stop bits %d", stopBits)
	}
	if rts {
		m.InitialStatusBits |= codec.StatusBitRTS
	}
	if dtr {
		m.InitialStatusBits |= codec.StatusBitDTR
	}
	return m, nil
}

func parseParity(s string) (port.Parity, error) {
	switch strings.ToLower(s) {
	case "none", "n":
		return port.ParityNone, nil
	case "odd", "o":
		return port.ParityOdd, nil
	case "even", "e":
		return port.ParityEven, nil
	case "mark", "m":
		return port.ParityMark, nil
	case "space", "s":
		return port.ParitySpace, nil
	default:
		return 0, fmt.Errorf("invalid parity %q", s)
	}
}

func parseHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "0x", "")
	s = strings.ReplaceAll(s, "0X", "")
	return hex.DecodeString(s)
}

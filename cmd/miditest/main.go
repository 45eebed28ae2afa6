package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"patchhost/midi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	var err error
	switch os.Args[1] {
	case "list":
		listPorts()
	case "monitor":
		err = monitor(arg(2))
	case "send":
		err = sendTest(arg(2))
	case "poll":
		pollDevices()
	default:
		usage()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func arg(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return ""
}

func usage() {
	fmt.Println("MIDI Test Scripts")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list            - List all MIDI ports")
	fmt.Println("  monitor <port>  - Print decoded events from an input")
	fmt.Println("  send <port>     - Play a bank select, program change and chord")
	fmt.Println("  poll            - Poll for device changes")
}

func listPorts() {
	fmt.Println("=== MIDI Input Ports ===")
	fmt.Println("(waiting up to 3 seconds...)")

	type result struct {
		ins  []drivers.In
		outs []drivers.Out
	}
	ch := make(chan result, 1)
	go func() {
		ch <- result{ins: gomidi.GetInPorts(), outs: gomidi.GetOutPorts()}
	}()

	select {
	case r := <-ch:
		for i, p := range r.ins {
			fmt.Printf("  %d: %s\n", i, p.String())
		}
		fmt.Println("\n=== MIDI Output Ports ===")
		for i, p := range r.outs {
			fmt.Printf("  %d: %s\n", i, p.String())
		}
	case <-time.After(3 * time.Second):
		fmt.Println("\nTIMEOUT! The MIDI service is not answering.")
	}
}

// matches reports whether a port name contains the query, ignoring case
func matches(name, query string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(query))
}

func findIn(query string) (drivers.In, error) {
	for _, p := range gomidi.GetInPorts() {
		if matches(p.String(), query) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no input matching %q", query)
}

func findOut(query string) (drivers.Out, error) {
	for _, p := range gomidi.GetOutPorts() {
		if matches(p.String(), query) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no output matching %q", query)
}

func monitor(query string) error {
	in, err := findIn(query)
	if err != nil {
		return err
	}
	fmt.Printf("Listening on %s. Ctrl+C to exit.\n", in.String())

	stop, err := gomidi.ListenTo(in, func(msg gomidi.Message, ts int32) {
		ev, ok := midi.Decode(msg.Bytes())
		if !ok {
			fmt.Printf("[%6dms] ?? % X\n", ts, msg.Bytes())
			return
		}
		fmt.Printf("[%6dms] %s\n", ts, ev)
	}, gomidi.UseSysEx())
	if err != nil {
		return err
	}
	defer stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	return nil
}

func sendTest(query string) error {
	out, err := findOut(query)
	if err != nil {
		return err
	}
	send, err := gomidi.SendTo(out)
	if err != nil {
		return err
	}
	fmt.Printf("Using output: %s\n", out.String())

	// bank 0:0, program 0, then a C major chord
	events := []midi.Event{midi.ProgramChangeWithBank(0, 0, 0, 0)}
	chord := []uint8{60, 64, 67}
	for _, n := range chord {
		events = append(events, midi.NoteOnEvent(0, n, 100))
	}
	for _, ev := range events {
		for _, msg := range expand(ev) {
			fmt.Printf("  -> %s\n", msg)
			if err := send(msg); err != nil {
				return err
			}
		}
	}

	time.Sleep(time.Second)
	for _, n := range chord {
		if err := send(midi.NoteOffEvent(0, n, 0).Message()); err != nil {
			return err
		}
	}
	fmt.Println("Done!")
	return nil
}

// expand turns a program change with a bank into its three wire messages
func expand(ev midi.Event) []gomidi.Message {
	if ev.Type != midi.Program || !ev.HasBank() {
		return []gomidi.Message{ev.Message()}
	}
	return []gomidi.Message{
		midi.ControlChangeEvent(ev.Channel, midi.CCBankMSB, uint8(ev.BankMSB)).Message(),
		midi.ControlChangeEvent(ev.Channel, midi.CCBankLSB, uint8(ev.BankLSB)).Message(),
		midi.ProgramChangeEvent(ev.Channel, ev.Data1).Message(),
	}
}

func pollDevices() {
	fmt.Println("Polling for device changes every 2 seconds...")
	fmt.Println("Connect/disconnect a device to test. Ctrl+C to exit.")

	lastIn := ""
	lastOut := ""

	for {
		var inNames, outNames []string
		for _, p := range gomidi.GetInPorts() {
			inNames = append(inNames, p.String())
		}
		for _, p := range gomidi.GetOutPorts() {
			outNames = append(outNames, p.String())
		}

		currentIn := strings.Join(inNames, ",")
		currentOut := strings.Join(outNames, ",")

		if currentIn != lastIn || currentOut != lastOut {
			fmt.Printf("\n[%s] Device change detected!\n", time.Now().Format("15:04:05"))
			fmt.Printf("  Inputs: %v\n", inNames)
			fmt.Printf("  Outputs: %v\n", outNames)
			lastIn = currentIn
			lastOut = currentOut
		}

		time.Sleep(2 * time.Second)
	}
}

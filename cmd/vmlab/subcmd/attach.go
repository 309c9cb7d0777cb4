/*
	(c) Copyright NetFoundry Inc. Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package subcmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/supervisor"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// detachKey is ctrl-].
const detachKey = 0x1d

func init() {
	RootCmd.AddCommand(NewAttachCommand())
}

func NewAttachCommand() *cobra.Command {
	attachCmd := &AttachCommand{}

	return &cobra.Command{
		Use:   "attach <tag> <instance>",
		Short: "Attach the terminal to the serial console of a running instance",
		Long: `Attach relays the serial console of an instance to this terminal until ctrl-] is
pressed. Only one holder may be attached to an instance at a time.`,
		Args: cobra.ExactArgs(2),
		RunE: attachCmd.attach,
	}
}

type AttachCommand struct{}

func (a *AttachCommand) attach(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tag, name := args[0], args[1]
	instances, err := store.NewFileStore(cfg.StateDir).GetInstances(tag)
	if err != nil {
		return err
	}
	rec, found := instances[name]
	if !found {
		return errors.Errorf("no instance [%s] recorded for [%s]", name, tag)
	}
	if !rec.State.IsLive() {
		return errors.Errorf("instance [%s] is %s", name, rec.State)
	}

	console, err := supervisor.OpenConsole(context.Background(), rec)
	if err != nil {
		return err
	}
	defer func() { _ = console.Close() }()

	out := cmd.OutOrStdout()
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return errors.Wrap(err, "unable to put terminal in raw mode")
		}
		defer func() { _ = term.Restore(fd, state) }()
	}
	fmt.Fprintf(out, "attached to [%s/%s], ctrl-] detaches\r\n", tag, name)

	closed := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, console)
		closed <- err
	}()
	go func() {
		closed <- relayUntilDetach(console, cmd.InOrStdin())
	}()
	err = <-closed
	fmt.Fprintf(out, "\r\ndetached from [%s/%s]\r\n", tag, name)
	return err
}

// relayUntilDetach copies in to w until the detach key is read or in ends.
func relayUntilDetach(w io.Writer, in io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if idx := bytes.IndexByte(chunk, detachKey); idx >= 0 {
				_, werr := w.Write(chunk[:idx])
				return werr
			}
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

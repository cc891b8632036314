// peerdrop sends files directly between two machines behind NATs.
//
// The sender runs "peerdrop send <paths...>" and reads out the printed
// share code; the receiver runs "peerdrop get <code>". Both sides meet at
// a rendezvous server, punch a direct TCP connection, and transfer the
// files end-to-end encrypted. The server never sees payload.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
	"github.com/atvirokodosprendimai/peerdrop/pkg/crypto"
	"github.com/atvirokodosprendimai/peerdrop/pkg/offer"
	"github.com/atvirokodosprendimai/peerdrop/pkg/otel"
	"github.com/atvirokodosprendimai/peerdrop/pkg/punch"
	"github.com/atvirokodosprendimai/peerdrop/pkg/rendezvous"
	"github.com/atvirokodosprendimai/peerdrop/pkg/sharecode"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// pairingTimeout bounds the whole rendezvous phase; it matches the
// default room TTL so the client gives up when the server would.
const pairingTimeout = 10 * time.Minute

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("peerdrop " + version)
			return
		}
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "version":
		fmt.Println("peerdrop " + version)
	case "send":
		sendCmd(os.Args[2:])
	case "get":
		getCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  peerdrop send [options] <paths...>   offer files and print a share code
  peerdrop get  [options] <share-code> receive files from a sender
  peerdrop version

Options:
  --server DOMAIN   use this rendezvous server instead of the default list
  --port N          rendezvous port override
  --unencrypted     talk to the rendezvous server without TLS
  --out DIR         (get) target directory, default "."
  --verbosity LEVEL quiet, info, or debug`)
}

// commonFlags is the option set shared by send and get.
type commonFlags struct {
	server      *string
	port        *uint
	unencrypted *bool
	verbosity   *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		server:      fs.String("server", "", "Rendezvous server domain (overrides the default list)"),
		port:        fs.Uint("port", 0, "Rendezvous port override"),
		unencrypted: fs.Bool("unencrypted", false, "Connect to the rendezvous server without TLS"),
		verbosity:   fs.String("verbosity", "info", "Log level: quiet, info, or debug"),
	}
}

func (c commonFlags) apply() {
	switch *c.verbosity {
	case "quiet":
		log.SetOutput(io.Discard)
	case "info", "debug":
	default:
		fmt.Fprintf(os.Stderr, "unknown verbosity %q\n", *c.verbosity)
		os.Exit(2)
	}
}

func (c commonFlags) options() rendezvous.Options {
	return rendezvous.Options{Port: uint16(*c.port), Unencrypted: *c.unencrypted}
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cf := addCommonFlags(fs)
	fs.Parse(args)
	cf.apply()
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "send: no paths given")
		os.Exit(2)
	}

	files, err := collectFiles(fs.Args())
	if err != nil {
		log.Printf("[Send] %v", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "send: nothing to offer")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pairingTimeout)
	defer cancel()
	otelShutdown, err := otel.Init(ctx, "peerdrop", version)
	if err != nil {
		log.Printf("[OTel] init failed: %v", err)
	}
	defer otelShutdown(context.Background())

	conn, serverID := connect(ctx, cf)
	defer conn.Close()

	roomCode := rendezvous.RandomCode()
	secret := rendezvous.RandomCode()
	if err := conn.CreateRoom(roomCode); err != nil {
		log.Printf("[Send] %v", err)
		os.Exit(1)
	}

	code := sharecode.Code{ServerID: serverID, RoomCode: roomCode, SharedSecret: secret}
	fmt.Printf("Share this code with the receiver:\n\n  %s\n\n", code)

	local, peer, err := conn.ShareContacts(ctx, roomCode, true)
	if err != nil {
		log.Printf("[Send] %v", err)
		os.Exit(1)
	}
	conn.Close()

	stream, sock := establish(ctx, local, peer, secret, true)
	defer sock.Close()
	if err := offer.Send(ctx, stream, files); err != nil {
		log.Printf("[Send] %v", err)
		os.Exit(1)
	}
	log.Printf("[Send] Transfer complete")
}

func getCmd(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	cf := addCommonFlags(fs)
	outDir := fs.String("out", ".", "Target directory")
	fs.Parse(args)
	cf.apply()
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "get: exactly one share code expected")
		os.Exit(2)
	}

	code, err := sharecode.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "get: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pairingTimeout)
	defer cancel()
	otelShutdown, err := otel.Init(ctx, "peerdrop", version)
	if err != nil {
		log.Printf("[OTel] init failed: %v", err)
	}
	defer otelShutdown(context.Background())

	var conn *rendezvous.Conn
	if *cf.server != "" {
		conn, _ = connect(ctx, cf)
	} else {
		conn, err = rendezvous.ConnectServer(ctx, code.ServerID, cf.options())
		if err != nil {
			log.Printf("[Get] %v", err)
			os.Exit(1)
		}
	}
	defer conn.Close()

	local, peer, err := conn.ShareContacts(ctx, code.RoomCode, false)
	if err != nil {
		log.Printf("[Get] %v", err)
		os.Exit(1)
	}
	conn.Close()

	stream, sock := establish(ctx, local, peer, code.SharedSecret, false)
	defer sock.Close()
	if err := offer.Receive(ctx, stream, *outDir, confirmOffer(*outDir)); err != nil {
		log.Printf("[Get] %v", err)
		os.Exit(1)
	}
	log.Printf("[Get] Transfer complete")
}

// connect opens the rendezvous session: a named server when --server was
// given (share codes then carry server id 0), otherwise the default list
// in randomized order.
func connect(ctx context.Context, cf commonFlags) (*rendezvous.Conn, uint64) {
	if *cf.server != "" {
		port := uint16(*cf.port)
		if port == 0 {
			port = rendezvous.DefaultTLSPort
		}
		conn, err := rendezvous.ConnectDomain(ctx, *cf.server, port, !*cf.unencrypted)
		if err != nil {
			log.Printf("[Connector] %v", err)
			os.Exit(1)
		}
		return conn, 0
	}
	conn, id, err := rendezvous.ConnectAny(ctx, cf.options())
	if err != nil {
		log.Printf("[Connector] %v", err)
		os.Exit(1)
	}
	return conn, id
}

// establish punches the direct connection and wraps it in the encrypted
// stream. The AEAD initiator is chosen by public-endpoint comparison so
// both sides agree without another message.
func establish(ctx context.Context, local, peer contact.FullContact, secret uint64, isCreator bool) (*crypto.Stream, io.Closer) {
	punchCtx, cancel := context.WithTimeout(ctx, punch.DefaultTimeout)
	defer cancel()
	sock, key, err := punch.Punch(punchCtx, local, peer, secret)
	if err != nil {
		log.Printf("[Punch] %v", err)
		os.Exit(1)
	}
	stream, err := crypto.NewStream(sock, key, contact.Initiator(local, peer, isCreator))
	if err != nil {
		sock.Close()
		log.Printf("[Punch] %v", err)
		os.Exit(1)
	}
	return stream, sock
}

// confirmOffer prints the offer and, on an interactive terminal, asks
// before accepting. Non-interactive runs accept automatically. Accepted
// offers resume from matching partials in the target directory.
func confirmOffer(dir string) offer.Decide {
	return func(o offer.Offer) offer.Response {
		fmt.Printf("Peer offers %d file(s), %d bytes total:\n", len(o), o.TotalSize())
		for _, f := range o {
			fmt.Printf("  %s (%d bytes)\n", string(f.Path), f.Size)
		}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Print("Accept? [Y/n] ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return offer.RejectAll(o)
			}
			answer := strings.ToLower(strings.TrimSpace(line))
			if answer != "" && answer != "y" && answer != "yes" {
				return offer.RejectAll(o)
			}
		}
		return offer.AcceptWithResume(dir)(o)
	}
}

// collectFiles flattens the argument paths into the offer list: plain
// files under their base name, directories walked recursively under paths
// relative to the directory's parent. Symlinks are skipped.
func collectFiles(paths []string) ([]offer.LocalFile, error) {
	var out []offer.LocalFile
	add := func(localPath, rel string, info fs.FileInfo) {
		mod := info.ModTime().Unix()
		out = append(out, offer.LocalFile{
			LocalPath: localPath,
			Offered: offer.OfferedFile{
				Path:     []byte(filepath.ToSlash(rel)),
				Size:     uint64(info.Size()),
				Modified: &mod,
			},
		})
	}

	for _, p := range paths {
		info, err := os.Lstat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		switch {
		case info.Mode().IsRegular():
			add(p, filepath.Base(p), info)
		case info.IsDir():
			parent := filepath.Dir(filepath.Clean(p))
			err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.Type().IsRegular() {
					return nil
				}
				fi, err := d.Info()
				if err != nil {
					return err
				}
				rel, err := filepath.Rel(parent, path)
				if err != nil {
					return err
				}
				add(path, rel, fi)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", p, err)
			}
		default:
			log.Printf("[Send] Skipping %s (not a regular file)", p)
		}
	}
	return out, nil
}

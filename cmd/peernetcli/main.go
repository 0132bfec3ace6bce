// Command peernetcli is a thin admin client for peernetd's local control
// server, grounded on lncli's cli.App/Command structure with the
// grpc/TLS/macaroon transport swapped for a plain HTTP client since this
// daemon has no chain RPC surface to authenticate against (spec.md §1).
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[peernetcli] %v\n", err)
	os.Exit(1)
}

func controlURL(ctx *cli.Context, path string) string {
	return fmt.Sprintf("http://%s%s", ctx.GlobalString("controladdr"), path)
}

var infoCommand = cli.Command{
	Name:  "info",
	Usage: "report the manager's active peer count",
	Action: func(ctx *cli.Context) error {
		resp, err := http.Get(controlURL(ctx, "/info"))
		if err != nil {
			fatal(err)
		}
		defer resp.Body.Close()

		var info struct {
			NumActive int `json:"num_active"`
			PeerMax   int `json:"peer_max"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			fatal(err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"active peers", "peer max"})
		t.AppendRow(table.Row{info.NumActive, info.PeerMax})
		t.Render()

		return nil
	},
}

var banCommand = cli.Command{
	Name:      "ban",
	Usage:     "ban a peer by hex-encoded id",
	ArgsUsage: "peer-id reason",
	Action: func(ctx *cli.Context) error {
		args := ctx.Args()
		if len(args) < 1 {
			return cli.NewExitError("peer-id argument required", 1)
		}

		if _, err := hex.DecodeString(args.Get(0)); err != nil {
			return cli.NewExitError("peer-id must be hex-encoded", 1)
		}

		reason := args.Get(1)
		url := fmt.Sprintf("%s&reason=%s", controlURL(ctx, "/ban?id="+args.Get(0)), reason)

		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return cli.NewExitError(fmt.Sprintf("ban failed: %v", resp.Status), 1)
		}

		fmt.Println("peer banned")
		return nil
	},
}

var reconnectCommand = cli.Command{
	Name:      "reconnect",
	Usage:     "manually re-pursue a known peer outside the control loop's own cadence",
	ArgsUsage: "peer-id addr",
	Action: func(ctx *cli.Context) error {
		args := ctx.Args()
		if len(args) < 2 {
			return cli.NewExitError("peer-id and addr arguments required", 1)
		}

		if _, err := hex.DecodeString(args.Get(0)); err != nil {
			return cli.NewExitError("peer-id must be hex-encoded", 1)
		}

		url := fmt.Sprintf("%s&addr=%s",
			controlURL(ctx, "/reconnect?id="+args.Get(0)), args.Get(1))

		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return cli.NewExitError(fmt.Sprintf("reconnect failed: %v", resp.Status), 1)
		}

		fmt.Println("reconnect scheduled")
		return nil
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "peernetcli"
	app.Usage = "inspect and administer a running peernetd"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "controladdr",
			Value: "localhost:8721",
			Usage: "peernetd's control server address",
		},
	}
	app.Commands = []cli.Command{
		infoCommand,
		banCommand,
		reconnectCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

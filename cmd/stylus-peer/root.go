package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/omasakun/remote-stylus/internal/config"
	"github.com/omasakun/remote-stylus/internal/handshake"
	"github.com/omasakun/remote-stylus/internal/signaling"
)

// app is the state shared by the subcommands once flags are parsed.
type app struct {
	flags  config.PeerFlags
	cfg    config.PeerConfig
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(lookup func(string) (string, bool), stdout, stderr io.Writer) *cobra.Command {
	defaults, defaultsErr := config.PeerDefaults(lookup)
	a := &app{flags: defaults, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "stylus-peer",
		Short: "Connect a stylus capture device to a remote screen over WebRTC",
		Long: `stylus-peer pairs two machines through a rendezvous relay and carries
pointer events between them over a direct WebRTC data channel.

The host creates a room and prints a 6-digit code; the joiner enters it.
Both sides expose a local websocket bridge for the pointer collaborator.`,
		Version:       buildVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if defaultsErr != nil {
				return defaultsErr
			}
			cfg, err := a.flags.Parse()
			if err != nil {
				return err
			}
			logger, err := config.NewPeerLogger(a.stderr, cfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			a.cfg = cfg
			a.log = logger
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	f := root.PersistentFlags()
	f.StringVar(&a.flags.SignalingURL, "signaling-url", defaults.SignalingURL, "Rendezvous relay base URL (env REMOTE_STYLUS_SIGNALING_URL)")
	f.StringVar(&a.flags.AppID, "app-id", defaults.AppID, "Room namespace on the relay (env REMOTE_STYLUS_APP_ID)")
	f.StringVar(&a.flags.Origin, "origin", defaults.Origin, "Origin header sent to the relay (env REMOTE_STYLUS_ORIGIN)")
	f.StringVar(&a.flags.PointerAddr, "pointer-addr", defaults.PointerAddr, "Listen address of the local pointer websocket (env REMOTE_STYLUS_POINTER_ADDR)")
	f.IntVar(&a.flags.ChunkSize, "chunk-size", defaults.ChunkSize, "Max bytes per data channel message; 0 uses the default (env REMOTE_STYLUS_CHUNK_SIZE)")

	f.StringVar(&a.flags.Mode, "mode", defaults.Mode, "Runtime mode: dev or prod (env REMOTE_STYLUS_MODE)")
	f.StringVar(&a.flags.LogFormat, "log-format", defaults.LogFormat, "Log format: text or json (env REMOTE_STYLUS_LOG_FORMAT)")
	f.StringVar(&a.flags.LogLevel, "log-level", defaults.LogLevel, "Log level: debug, info, warn, error (env REMOTE_STYLUS_LOG_LEVEL)")

	f.StringVar(&a.flags.ICEServersJSON, "ice-servers-json", defaults.ICEServersJSON, "ICE servers as JSON (env REMOTE_STYLUS_ICE_SERVERS_JSON)")
	f.StringVar(&a.flags.STUNURLs, "stun-urls", defaults.STUNURLs, "Comma-separated STUN URLs (env REMOTE_STYLUS_STUN_URLS)")
	f.StringVar(&a.flags.TURNURLs, "turn-urls", defaults.TURNURLs, "Comma-separated TURN URLs (env REMOTE_STYLUS_TURN_URLS)")
	f.StringVar(&a.flags.TURNUsername, "turn-username", defaults.TURNUsername, "TURN username (env REMOTE_STYLUS_TURN_USERNAME)")
	f.StringVar(&a.flags.TURNCredential, "turn-credential", defaults.TURNCredential, "TURN credential (env REMOTE_STYLUS_TURN_CREDENTIAL)")
	f.BoolVar(&a.flags.ICEFromRelay, "ice-from-relay", defaults.ICEFromRelay, "Fetch ICE servers from the relay's /webrtc/ice instead of local settings")

	f.UintVar(&a.flags.UDPPortMin, "webrtc-udp-port-min", defaults.UDPPortMin, "Min UDP port for ICE (env REMOTE_STYLUS_WEBRTC_UDP_PORT_MIN)")
	f.UintVar(&a.flags.UDPPortMax, "webrtc-udp-port-max", defaults.UDPPortMax, "Max UDP port for ICE (env REMOTE_STYLUS_WEBRTC_UDP_PORT_MAX)")
	f.StringVar(&a.flags.UDPListenIP, "webrtc-udp-listen-ip", defaults.UDPListenIP, "Local IP ICE binds to (env REMOTE_STYLUS_WEBRTC_UDP_LISTEN_IP)")
	f.StringVar(&a.flags.NAT1To1IPs, "webrtc-nat-1to1-ips", defaults.NAT1To1IPs, "Comma-separated public IPs advertised for static NAT (env REMOTE_STYLUS_WEBRTC_NAT_1TO1_IPS)")
	f.StringVar(&a.flags.NAT1To1IPCandidateType, "webrtc-nat-1to1-ip-candidate-type", defaults.NAT1To1IPCandidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env REMOTE_STYLUS_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE)")
	f.IntVar(&a.flags.SCTPMaxReceiveBufferBytes, "webrtc-sctp-max-receive-buffer-bytes", defaults.SCTPMaxReceiveBufferBytes, "SCTP receive buffer; 0 derives it from the chunk size (env REMOTE_STYLUS_WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES)")

	root.AddCommand(newHostCmd(a), newJoinCmd(a))
	return root
}

func newHostCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Create a room and wait for a joiner",
		Long: `Create a room on the relay, print its code and wait for the joiner.
Pointer events from the joiner are broadcast to clients of the local
websocket bridge for injection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), handshake.RoleHost, "")
		},
	}
}

func newJoinCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "join <code>",
		Aliases: []string{"j"},
		Short:   "Join the room with the given 6-digit code",
		Long: `Join a room created by "stylus-peer host". Pointer events written to the
local websocket bridge by the capture client are sent to the host.

Examples:
  stylus-peer join 042137
  stylus-peer join 042137 --ice-from-relay`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			if !signaling.ValidCode(code) {
				return fmt.Errorf("invalid room code %q (expected 6 digits)", code)
			}
			return a.run(cmd.Context(), handshake.RoleJoiner, code)
		},
	}
}

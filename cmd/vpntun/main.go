// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command vpntun is a demo endpoint wiring the tunneling core together: it
// opens one legacy UdpChannel, wraps it in a Tunnel, and short-circuits any
// tunneled ICMP Echo Request through a PingProxyPool. Session
// establishment, TUN device plumbing, and higher-layer proxying stay out
// of scope.
package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/xtaci/vpncore/channel"
	vpnconfig "github.com/xtaci/vpncore/config"
	"github.com/xtaci/vpncore/ippacket"
	"github.com/xtaci/vpncore/keymaterial"
	"github.com/xtaci/vpncore/pingproxy"
	"github.com/xtaci/vpncore/tunnel"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "vpntun"
	app.Usage = "tunneling core demo endpoint"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "mode", Value: "server", Usage: "server or client"},
		cli.StringFlag{Name: "listen, l", Value: ":29900", Usage: "local UDP listen address"},
		cli.StringFlag{Name: "remote, r", Value: "", Usage: "remote UDP address (required in client mode; in server mode, a fixed peer instead of learning it from the first datagram)"},
		cli.StringFlag{Name: "key", Value: "it's a secret", EnvVar: "VPNCORE_KEY", Usage: "pre-shared passphrase"},
		cli.IntFlag{Name: "mtu", Value: 1400, Usage: "MTU budget for outgoing batches"},
		cli.IntFlag{Name: "session-id", Value: 1, Usage: "legacy UdpChannel session id"},
		cli.BoolFlag{Name: "qpp", Usage: "validate Quantum Permutation Pad parameters on startup"},
		cli.IntFlag{Name: "qpp-count", Value: 257, Usage: "QPP pad count (prefer a prime)"},
		cli.IntFlag{Name: "max-ping-clients", Value: 128, Usage: "PingProxyPool LRU capacity"},
		cli.StringFlag{Name: "metrics-listen", Value: "", Usage: "Prometheus /metrics listen address, empty to disable"},
		cli.StringFlag{Name: "config, c", Value: "", Usage: "optional JSON config file overlaying the flags above"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress log output"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	cfg := vpnconfig.Default()
	cfg.Listen = c.String("listen")
	cfg.Remote = c.String("remote")
	cfg.Key = c.String("key")
	cfg.MTU = c.Int("mtu")
	cfg.QPP = c.Bool("qpp")
	cfg.QPPCount = c.Int("qpp-count")
	cfg.MaxPingClients = c.Int("max-ping-clients")
	cfg.MetricsListen = c.String("metrics-listen")
	cfg.Quiet = c.Bool("quiet")

	if path := c.String("config"); path != "" {
		if err := vpnconfig.LoadJSON(&cfg, path); err != nil {
			return errors.Wrap(err, "vpntun: loading config file")
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "vpntun: opening log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if cfg.Quiet {
		if devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
			log.SetOutput(devNull)
		}
	}

	if cfg.QPP {
		if err := keymaterial.ValidateQPPParams(cfg.QPPCount, cfg.Key); err != nil {
			color.Red(err.Error())
		}
	}

	payloadKey, _ := keymaterial.DeriveSessionKeys(cfg.Key)
	log.Println("session key fingerprint:", keymaterial.Fingerprint(payloadKey))
	log.Println("mtu:", cfg.MTU)
	log.Println("max ping clients:", cfg.MaxPingClients)

	isClient := c.String("mode") == "client"
	conn, err := dial(cfg, isClient)
	if err != nil {
		return errors.Wrap(err, "vpntun: opening UDP socket")
	}

	ch, err := channel.NewUdpChannel(conn, isClient, uint32(c.Int("session-id")), payloadKey, cfg.MTU)
	if err != nil {
		return errors.Wrap(err, "vpntun: NewUdpChannel")
	}

	var metrics *tunnel.Metrics
	reg := prometheus.NewRegistry()
	if cfg.MetricsListen != "" {
		metrics, err = tunnel.NewMetrics(reg, ch.ID())
		if err != nil {
			return errors.Wrap(err, "vpntun: registering metrics")
		}
		go serveMetrics(cfg.MetricsListen, reg)
	}

	tun := tunnel.New(metrics)

	pool := pingproxy.NewPool(cfg.MaxPingClients, time.Duration(cfg.IcmpTimeoutSec)*time.Second, pingproxy.Receiver{
		OnPacketReceived: func(reply *ippacket.Packet) {
			if err := tun.SendPackets([]*ippacket.Packet{reply}); err != nil {
				log.Println("vpntun: delivering ping reply:", err)
			}
		},
	})
	defer pool.Dispose()

	tun.OnReceived(func(batch []*ippacket.Packet) {
		for _, p := range batch {
			if p.Protocol == ippacket.ProtocolICMPv4 || p.Protocol == ippacket.ProtocolICMPv6 {
				if err := pool.SendPacket(p); err != nil {
					log.Println("vpntun: dispatching to ping proxy:", err)
				}
				continue
			}
			log.Printf("vpntun: received non-ICMP packet %s -> %s (%d bytes payload)\n", p.Source, p.Dest, len(p.Payload))
		}
	})

	if err := tun.AddChannel(ch); err != nil {
		return errors.Wrap(err, "vpntun: AddChannel")
	}
	defer tun.Dispose()

	log.Println("listening on:", conn.LocalAddr())
	select {}
}

// dial opens the socket this demo's single UdpChannel writes/reads on. A
// server handling many sessions concurrently would hand a shared,
// unconnected socket to a transmitter.Transmitter instead; this command
// only demonstrates the legacy single-session channel, so a server with no
// configured remote peer blocks on its first datagram to learn one and
// associates the socket to it.
func dial(cfg vpnconfig.Config, isClient bool) (*net.UDPConn, error) {
	if isClient {
		remote, err := net.ResolveUDPAddr("udp", cfg.Remote)
		if err != nil {
			return nil, err
		}
		return net.DialUDP("udp", nil, remote)
	}

	local, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	if cfg.Remote != "" {
		remote, err := net.ResolveUDPAddr("udp", cfg.Remote)
		if err != nil {
			return nil, err
		}
		return net.DialUDP("udp", local, remote)
	}

	listener, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 65536)
	log.Println("waiting for first datagram to learn peer address...")
	_, peer, err := listener.ReadFromUDP(buf)
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "vpntun: waiting for first datagram")
	}
	listener.Close()

	// The datagram that revealed peer is dropped; nothing resends it, so
	// the packets it carried are lost.
	return net.DialUDP("udp", local, peer)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Println("metrics listening on:", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Println("vpntun: metrics server:", fmt.Errorf("%w", err))
	}
}

package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/codership/wsrep-go/pkg/dbsim"
	"github.com/codership/wsrep-go/pkg/fragstore"
	"github.com/codership/wsrep-go/pkg/raftprovider"
	"github.com/codership/wsrep-go/pkg/wsrep"
	"github.com/codership/wsrep-go/pkg/wsreplog"
	"github.com/codership/wsrep-go/pkg/wsrepmetrics"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario file",
	Long: `Run loads a scenario manifest describing how many servers and
clients to simulate, bootstraps one replicated group across the
requested number of simulated servers, and drives the scripted
transaction load to completion, printing aggregate stats at the end.

Example:
  dbsim run -f scenario.yaml`,
	RunE: runScenario,
}

func init() {
	runCmd.Flags().StringP("file", "f", "", "scenario manifest to run")
	runCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
}

func runScenario(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	params := dbsim.DefaultParams()
	if file != "" {
		loaded, err := dbsim.LoadParams(file)
		if err != nil {
			return err
		}
		params = loaded
	}
	if params.NServers == 0 {
		params.NServers = 1
	}
	if params.NClients == 0 {
		params.NClients = 4
	}
	if params.NTransactions == 0 {
		params.NTransactions = 100
	}

	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", wsrepmetrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				wsreplog.Logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		fmt.Printf("Metrics: http://%s/metrics\n", metricsAddr)
	}

	sim := dbsim.NewSimulator(params)

	groupID := wsrep.ID{1}
	var leader *raftprovider.Provider
	var stores []*fragstore.Store

	for i := 0; i < params.NServers; i++ {
		name := fmt.Sprintf("%d", i+1)
		dataDir := filepath.Join(params.DataDir, "dbsim_"+name)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("dbsim: create data dir: %w", err)
		}

		bindAddr := fmt.Sprintf("127.0.0.1:%d", 10000+(i+1)*10)
		provider := raftprovider.NewProvider(raftprovider.Config{
			NodeID:   name,
			BindAddr: bindAddr,
			DataDir:  filepath.Join(dataDir, "raft"),
			GroupID:  groupID,
		})

		bootstrap := i == 0
		if err := provider.Connect("dbsim_cluster", "", "", bootstrap); err != nil {
			return fmt.Errorf("dbsim: connect server %s: %w", name, err)
		}
		if bootstrap {
			leader = provider
		} else {
			for !leader.IsLeader() {
				time.Sleep(20 * time.Millisecond)
			}
			if err := leader.AddVoter(name, bindAddr); err != nil {
				return fmt.Errorf("dbsim: add voter %s: %w", name, err)
			}
		}

		stateDir := filepath.Join(dataDir, "state")
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("dbsim: create state dir: %w", err)
		}
		store, err := fragstore.NewStore(stateDir)
		if err != nil {
			return fmt.Errorf("dbsim: open store for %s: %w", name, err)
		}
		stores = append(stores, store)

		var serverID wsrep.ID
		serverID[0] = byte(i + 1)

		server := dbsim.NewServer(name, serverID, provider, params, store)
		if err := sim.AddServer(name, server); err != nil {
			return err
		}

		go func(p *raftprovider.Provider, srv *dbsim.Server) {
			status := p.RunApplier(srv.Applier())
			if status != wsrep.StatusSuccess {
				wsreplog.Logger.Warn().Stringer("status", status).Msg("applier loop exited")
			}
		}(provider, server)
	}

	fmt.Println(sim.Run())

	for _, store := range stores {
		_ = store.Close()
	}
	return nil
}

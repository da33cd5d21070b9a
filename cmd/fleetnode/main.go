// Command fleetnode wires the communicator and FTSM cores over the
// concrete ZeroMQ transport and Postgres store, following the teacher's
// cobra+viper command wiring style (Iron-Ham-claudio's internal/cmd).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetcomm/communicator"
	"fleetcomm/ftsm"
	"fleetcomm/lifecycle"
	"fleetcomm/store"
	"fleetcomm/store/pgstore"
	"fleetcomm/transport"
	"fleetcomm/transport/zyrezmq"
)

var rootCmd = &cobra.Command{
	Use:   "fleetnode",
	Short: "Runs one fault-tolerant, group-messaging robotic component node",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	bindFlags(rootCmd)
	rootCmd.RunE = runNode
}

func main() {
	if err := Execute(); err != nil {
		log.Fatal(err)
	}
}

// logHandler adapts the communicator's Handler interface to plain logging,
// the minimal behavior this example binary needs -- a real component would
// dispatch on evt.Group/envelope.Envelope payload instead.
type logHandler struct {
	name string
}

func (h *logHandler) OnMessage(evt transport.Event) {
	log.Printf("[%s] %s from %s(%s) group=%s bytes=%d", h.name, evt.Type, evt.PeerName, evt.PeerID, evt.Group, len(evt.Message))
}

func (h *logHandler) OnSendStatus(msgID string, ok bool) {
	log.Printf("[%s] send status msgId=%s ok=%v", h.name, msgID, ok)
}

// exampleHandlers is the minimal ftsm.Handlers implementation this binary
// drives: READY always transitions RUNNING immediately (via
// lifecycle.Defaults), RUNNING holds steady until the process is
// interrupted, and RECOVERING returns straight to RUNNING.
type exampleHandlers struct {
	lifecycle.Defaults
}

func (exampleHandlers) Running() ftsm.Transition    { return ftsm.TransitionContinue }
func (exampleHandlers) Recovering() ftsm.Transition { return ftsm.TransitionRun }

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Node.Name == "" {
		return errRequiredFlag("--name")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	adapter, err := zyrezmq.NewAdapter(cfg.Rendezvous.Addr)
	if err != nil {
		return err
	}
	defer adapter.Destroy()

	if cfg.Node.Interface != "" {
		if err := adapter.SetInterface(cfg.Node.Interface); err != nil {
			return err
		}
	}

	commCfg := communicator.NewConfig(cfg.Node.Name)
	commCfg.Interface = cfg.Node.Interface
	commCfg.Groups = cfg.Node.Groups
	commCfg.ExpectAckFor = cfg.Communicator.ExpectAckFor
	commCfg.SendAckFor = cfg.Communicator.SendAckFor
	commCfg.ResendInterval = cfg.resendInterval()
	commCfg.MaxMessageAge = cfg.maxMessageAge()
	commCfg.NumRetries = cfg.Communicator.NumRetries
	commCfg.PollInterval = cfg.pollInterval()

	comm, err := communicator.New(adapter, &logHandler{name: cfg.Node.Name}, commCfg)
	if err != nil {
		return err
	}
	defer comm.Close()

	storeFactory := func(ctx context.Context) (store.Store, error) {
		return pgstore.Open(ctx, cfg.Store.DSN)
	}

	var opts []ftsm.Option
	if cfg.Debug {
		opts = append(opts, ftsm.WithDebug())
	}

	machine, err := ftsm.NewFTSM(ctx, cfg.Node.Name, ftsm.Spec{}, exampleHandlers{}, storeFactory, opts...)
	if err != nil {
		return err
	}
	defer machine.Close()

	log.Printf("fleetnode %s running", cfg.Node.Name)
	return machine.Run(ctx)
}

func errRequiredFlag(flag string) error {
	return &requiredFlagError{flag: flag}
}

type requiredFlagError struct{ flag string }

func (e *requiredFlagError) Error() string {
	return "fleetnode: required flag " + e.flag + " not set"
}

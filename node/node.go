package node

import (
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"

	"github.com/tari-project/tari-dan-sub001/blocksync"
	"github.com/tari-project/tari-dan-sub001/consensus"
	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/libs/metric"
	"github.com/tari-project/tari-dan-sub001/mempool"
	"github.com/tari-project/tari-dan-sub001/privval"
	"github.com/tari-project/tari-dan-sub001/rpc"
	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

const chainStoreName = "chainstore"

// Provider takes a config and a logger and returns a ready-to-go Node.
type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node ties a validator process together: the durable store, the
// transaction pool, the consensus state with its reactor, the mempool,
// the sync manager and the rpc surface, all hanging off one p2p switch.
type Node struct {
	service.BaseService

	config *cfg.Config
	genDoc *types.GenesisDoc

	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	store     *storage.Store
	pool      *txpool.Pool
	epochs    *epoch.StaticManager
	mempool   *mempool.ListMempool
	metricSet *metric.MetricSet

	consensusState   *consensus.State
	consensusReactor *consensus.Reactor
	mempoolReactor   *mempool.Reactor
	blocksyncReactor *blocksync.Reactor

	rpcListeners []net.Listener
}

type Option func(*Node)

// DefaultNewNode loads the node key, validator key and genesis doc from
// their configured paths and wires a node around them.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, errors.Wrap(err, "load node key")
	}
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), config.PrivValidatorStateFile())
	return NewNode(config, pv, nodeKey, genDoc, logger)
}

func NewNode(
	config *cfg.Config,
	pv types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	pubKey, err := pv.GetPubKey()
	if err != nil {
		return nil, errors.Wrap(err, "get validator key")
	}
	epochs, err := epoch.NewStaticManager(genDoc, types.GetAddress(pubKey))
	if err != nil {
		return nil, err
	}

	store, err := storage.NewDefaultStore(chainStoreName, config.DBDir(), logger.With("module", "storage"))
	if err != nil {
		return nil, err
	}
	if err := consensus.Bootstrap(store, genDoc.ChainID, genDoc.InitialEpoch, epochs.LocalShardGroup()); err != nil {
		return nil, err
	}
	pool := txpool.NewPool(store, logger.With("module", "txpool"))

	metricSet := metric.NewMetricSet()

	cs, err := consensus.NewState(
		consensus.DefaultConfig(),
		genDoc.ChainID,
		store,
		pool,
		epochs,
		state.NewAccountExecutor(),
		pv,
		logger.With("module", "consensus"),
	)
	if err != nil {
		return nil, err
	}
	csMetrics := consensus.NewMetrics()
	cs.SetMetrics(csMetrics)
	consensusReactor := consensus.NewReactor(cs)
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	mempl := mempool.NewListMempool(config.Mempool, cs.AddTransaction)
	mempl.SetLogger(logger.With("module", "mempool"))
	mempoolReactor := mempool.NewReactor(mempl)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	// committed blocks retire their finalized transactions from the
	// gossip set
	err = consensusReactor.OnCommittedBlock("node", mempl.Update)
	if err != nil {
		return nil, err
	}

	syncer := blocksync.NewSyncer(genDoc.ChainID, store, pool, epochs, logger.With("module", "blocksync"))
	blocksyncReactor := blocksync.NewReactor(syncer)
	blocksyncReactor.SetLogger(logger.With("module", "blocksync"))
	cs.SetNeedsSyncHandler(func(consensus.ErrNeedsSync) { syncer.Trigger() })
	syncer.SetOnSynced(func() {
		if err := cs.ReloadRoundState(); err != nil {
			logger.Error("reloading round state after sync", "err", err)
		}
	})

	for label, item := range map[string]metric.MetricItem{
		consensus.MetricLabel: csMetrics,
		mempool.MetricLabel:   mempl.Metrics(),
		blocksync.MetricLabel: syncer.Metrics(),
	} {
		if err := metricSet.SetMetrics(label, item); err != nil {
			return nil, err
		}
	}

	rpc.SetEnvironment(&rpc.Environment{
		Mempool:   mempl,
		Consensus: cs,
		Store:     store,
		Pool:      pool,
		Epochs:    epochs,
		MetricSet: metricSet,
	})

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc.ChainID)
	if err != nil {
		return nil, err
	}
	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(
		config, transport, consensusReactor, mempoolReactor, blocksyncReactor,
		nodeInfo, nodeKey, logger.With("module", "p2p"),
	)

	node := &Node{
		config:           config,
		genDoc:           genDoc,
		transport:        transport,
		sw:               sw,
		nodeInfo:         nodeInfo,
		nodeKey:          nodeKey,
		store:            store,
		pool:             pool,
		epochs:           epochs,
		mempool:          mempl,
		metricSet:        metricSet,
		consensusState:   cs,
		consensusReactor: consensusReactor,
		mempoolReactor:   mempoolReactor,
		blocksyncReactor: blocksyncReactor,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}
	return node, nil
}

func createTransport(nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	return p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
}

func createSwitch(
	config *cfg.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	mempoolReactor *mempool.Reactor,
	blocksyncReactor *blocksync.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger,
) *p2p.Switch {
	sw := p2p.NewSwitch(config.P2P, transport)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("BLOCKSYNC", blocksyncReactor)
	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)
	p2pLogger.Info("p2p node id", "id", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(config *cfg.Config, nodeKey *p2p.NodeKey, chainID string) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(8, 11, 0),
		DefaultNodeID:   nodeKey.ID(),
		Network:         chainID,
		Version:         version.TMCoreSemVer,
		Channels: []byte{
			consensus.StateChannel,
			consensus.ForeignChannel,
			blocksync.BlocksyncChannel,
			mempool.MempoolChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	return nodeInfo, nodeInfo.Validate()
}

//------------------------------------------------------------

func (n *Node) OnStart() error {
	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// starting the switch starts every reactor, which starts the
	// consensus state and the syncer
	if err := n.sw.Start(); err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return errors.Wrap(err, "dialing persistent peers")
	}
	return nil
}

func (n *Node) OnStop() {
	for _, l := range n.rpcListeners {
		n.Logger.Info("closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("closing rpc listener", "err", err)
		}
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("stopping switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("closing transport", "err", err)
	}
	if err := n.store.Close(); err != nil {
		n.Logger.Error("closing store", "err", err)
	}
}

// startRPC serves the jsonrpc routes over http and websocket on every
// configured listen address.
func (n *Node) startRPC() ([]net.Listener, error) {
	serverConfig := rpcserver.DefaultConfig()
	rpcLogger := n.Logger.With("module", "rpc-server")

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		wm := rpcserver.NewWebsocketManager(rpc.Routes)
		wm.SetLogger(rpcLogger.With("protocol", "websocket"))
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

		listener, err := rpcserver.Listen(listenAddr, serverConfig)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, serverConfig); err != nil {
				rpcLogger.Error("rpc server stopped", "err", err)
			}
		}()
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

//------------------------------------------------------------

func (n *Node) Switch() *p2p.Switch              { return n.sw }
func (n *Node) NodeInfo() p2p.NodeInfo           { return n.nodeInfo }
func (n *Node) ConsensusState() *consensus.State { return n.consensusState }
func (n *Node) Mempool() *mempool.ListMempool    { return n.mempool }
func (n *Node) MetricSet() *metric.MetricSet     { return n.metricSet }
func (n *Node) GenesisDoc() *types.GenesisDoc    { return n.genDoc }

// splitAndTrimEmpty slices s by sep, trims cutset from every element and
// drops the empties.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}
	spl := strings.Split(s, sep)
	nonEmpty := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmpty = append(nonEmpty, element)
		}
	}
	return nonEmpty
}

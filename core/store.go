package core

// store.go – the data store façade (C1, spec §4.1). Grounded on the
// teacher's core/ledger.go: a write-ahead log replayed on startup, periodic
// JSON snapshots, gzip archival of old entries, and a single RWMutex
// guarding in-memory maps. The teacher's model was blocks/accounts/tokens;
// this rewrite keeps transactions, UTXO entries, observations, peer
// records, and multiparty party info instead, behind the narrow façade
// spec §4.1 specifies. Only transactions and UTXO entries are durable
// (WAL plus snapshot); peer records are written only with the periodic
// snapshot; observations, party info, stored state and the genesis
// transaction are held in memory only and are not restored on reopen.

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// StoreConfig configures on-disk layout (spec §6 "Persisted state layout":
// a root data folder with per-environment subdirectories).
type StoreConfig struct {
	DataDir          string
	Environment      string
	SnapshotInterval int // write a snapshot every N accepted transactions
}

// storedTxRecord is the durable record for one accepted (or rejected)
// transaction, replayed from the WAL on restart.
type storedTxRecord struct {
	Tx         Transaction
	Time       int64
	Rejection  *ErrorInfo
	UpdateUTXO bool
}

// Store implements C1. All mutation happens behind mu; no network or disk
// call is made while mu is held beyond the synchronous file write itself
// (design note §9: no cross-await locks — here, no channel op happens
// inside a locked section).
type Store struct {
	mu sync.RWMutex

	dataDir string
	walFile *os.File

	txByHash     map[Hash]*storedTxRecord
	utxoByID     map[UTXOId]*UTXOEntry
	utxoChildren map[UTXOId][]TxInputRef
	observations map[Hash][]Observation

	peers map[NodeID]*PeerRecord

	parties map[RoomId]*PartyInfo

	dynamicMeta  NodeMetadata
	storedState  map[string]string
	genesis      *Transaction

	acceptedSinceSnapshot int
	snapshotInterval      int
	snapshotPath          string
}

// TxInputRef identifies the (tx-hash, input-index) that spent a UTXO.
type TxInputRef struct {
	TxHash     Hash
	InputIndex uint32
}

// OpenStore opens (or creates) the store rooted at cfg.DataDir/cfg.Environment,
// replaying its WAL (spec §6 "Persisted state layout").
func OpenStore(cfg StoreConfig) (*Store, error) {
	envDir := filepath.Join(cfg.DataDir, cfg.Environment)
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return nil, WrapError(ErrFatal, err, "create data directory")
	}

	walPath := filepath.Join(envDir, "store.wal")
	wal, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, WrapError(ErrFatal, err, "open store WAL")
	}

	s := &Store{
		dataDir:          envDir,
		walFile:          wal,
		txByHash:         make(map[Hash]*storedTxRecord),
		utxoByID:         make(map[UTXOId]*UTXOEntry),
		utxoChildren:     make(map[UTXOId][]TxInputRef),
		observations:     make(map[Hash][]Observation),
		peers:            make(map[NodeID]*PeerRecord),
		parties:          make(map[RoomId]*PartyInfo),
		storedState:      make(map[string]string),
		snapshotInterval: cfg.SnapshotInterval,
		snapshotPath:     filepath.Join(envDir, "store.snapshot.json"),
	}

	if err := s.loadSnapshot(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	if err := s.replayWAL(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return WrapError(ErrFatal, err, "open snapshot")
	}
	defer f.Close()

	var snap struct {
		TxByHash map[Hash]*storedTxRecord
		UtxoByID map[UTXOId]*UTXOEntry
		Peers    map[NodeID]*PeerRecord
	}
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return WrapError(ErrFatal, err, "decode snapshot")
	}
	if snap.TxByHash != nil {
		s.txByHash = snap.TxByHash
	}
	if snap.UtxoByID != nil {
		s.utxoByID = snap.UtxoByID
	}
	if snap.Peers != nil {
		s.peers = snap.Peers
	}
	return nil
}

func (s *Store) replayWAL() error {
	if _, err := s.walFile.Seek(0, 0); err != nil {
		return WrapError(ErrFatal, err, "seek WAL")
	}
	scanner := bufio.NewScanner(s.walFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec storedTxRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return WrapError(ErrFatal, err, "WAL unmarshal")
		}
		s.applyRecord(&rec)
	}
	if err := scanner.Err(); err != nil {
		return WrapError(ErrFatal, err, "WAL scan")
	}
	if _, err := s.walFile.Seek(0, 2); err != nil {
		return WrapError(ErrFatal, err, "seek WAL end")
	}
	return nil
}

// applyRecord mutates in-memory state for one transaction record; caller
// must hold mu (or be single-threaded during replay).
func (s *Store) applyRecord(rec *storedTxRecord) {
	s.txByHash[rec.Tx.Hash] = rec
	if rec.Rejection != nil || !rec.UpdateUTXO {
		return
	}
	for idx, in := range rec.Tx.Inputs {
		delete(s.utxoByID, in.Id)
		s.utxoChildren[in.Id] = append(s.utxoChildren[in.Id], TxInputRef{TxHash: rec.Tx.Hash, InputIndex: uint32(idx)})
	}
	for idx, out := range rec.Tx.Outputs {
		id := UTXOId{TxHash: rec.Tx.Hash, OutputIndex: uint32(idx)}
		s.utxoByID[id] = &UTXOEntry{Id: id, Output: out, AcceptanceTime: rec.Time}
	}
}

//---------------------------------------------------------------------
// accept_transaction (spec §4.1)
//---------------------------------------------------------------------

// AcceptTransaction is the single transactional entrypoint C6 calls.
// Idempotent on (hash, time): re-accepting an already-known hash is a
// no-op returning nil, matching spec §8's idempotency invariant.
func (s *Store) AcceptTransaction(tx Transaction, at int64, rejection *ErrorInfo, updateUTXO bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.txByHash[tx.Hash]; ok {
		_ = existing
		return nil
	}

	rec := &storedTxRecord{Tx: tx, Time: at, Rejection: rejection, UpdateUTXO: updateUTXO}
	data, err := json.Marshal(rec)
	if err != nil {
		return WrapError(ErrFatal, err, "marshal store record")
	}
	if _, err := s.walFile.Write(append(data, '\n')); err != nil {
		return WrapError(ErrFatal, err, "append WAL")
	}
	if err := s.walFile.Sync(); err != nil {
		return WrapError(ErrFatal, err, "sync WAL")
	}

	s.applyRecord(rec)

	s.acceptedSinceSnapshot++
	if s.snapshotInterval > 0 && s.acceptedSinceSnapshot >= s.snapshotInterval {
		s.acceptedSinceSnapshot = 0
		if err := s.writeSnapshotLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeSnapshotLocked() error {
	snap := struct {
		TxByHash map[Hash]*storedTxRecord
		UtxoByID map[UTXOId]*UTXOEntry
		Peers    map[NodeID]*PeerRecord
	}{s.txByHash, s.utxoByID, s.peers}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return WrapError(ErrFatal, err, "create snapshot")
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return WrapError(ErrFatal, err, "encode snapshot")
	}
	if err := f.Close(); err != nil {
		return WrapError(ErrFatal, err, "close snapshot")
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return WrapError(ErrFatal, err, "rename snapshot")
	}
	return nil
}

//---------------------------------------------------------------------
// Queries (spec §4.1)
//---------------------------------------------------------------------

func (s *Store) QueryMaybeTransaction(hash Hash) (*Transaction, *ErrorInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.txByHash[hash]
	if !ok {
		return nil, nil, false
	}
	return &rec.Tx, rec.Rejection, true
}

// UTXOIdValid reports true iff the entry exists and has no recorded child.
func (s *Store) UTXOIdValid(id UTXOId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.utxoByID[id]
	return ok && len(s.utxoChildren[id]) == 0
}

// UTXOEntry looks up a single unspent entry by id in O(1), used by the
// writer's conservation/proof checks (spec §4.6) and resolve.go.
func (s *Store) UTXOEntry(id UTXOId) (*UTXOEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.utxoByID[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (s *Store) UTXOChildren(id UTXOId) []TxInputRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TxInputRef, len(s.utxoChildren[id]))
	copy(out, s.utxoChildren[id])
	return out
}

func (s *Store) UTXOForAddress(addr Address) []UTXOEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UTXOEntry
	for id, e := range s.utxoByID {
		if e.Output.Address.Equal(addr) && len(s.utxoChildren[id]) == 0 {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id.Hex() < out[j].Id.Hex() })
	return out
}

func (s *Store) UTXOFilterTime(start, end int64) []UTXOEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UTXOEntry
	for _, e := range s.utxoByID {
		if e.AcceptanceTime >= start && e.AcceptanceTime <= end {
			out = append(out, *e)
		}
	}
	return out
}

func (s *Store) AcceptedTimeTxHashes(start, end int64) []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hash
	for h, rec := range s.txByHash {
		if rec.Time >= start && rec.Time <= end {
			out = append(out, h)
		}
	}
	return out
}

func (s *Store) AcceptedTimeObservationHashes(start, end int64) []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hash
	for h, obs := range s.observations {
		for _, o := range obs {
			if o.Time >= start && o.Time <= end {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

func (s *Store) AddObservation(o Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.observations[o.TxHash]
	for _, e := range existing {
		if e.Signer.Equal(o.Signer) && e.Ordinal >= o.Ordinal {
			return NewError(ErrConflict, "observation ordinal not monotone").WithDetail("signer", o.Signer.Hex())
		}
	}
	s.observations[o.TxHash] = append(existing, o)
	return nil
}

func (s *Store) ObservationsFor(hash Hash) []Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Observation, len(s.observations[hash]))
	copy(out, s.observations[hash])
	return out
}

//---------------------------------------------------------------------
// peer_store (spec §4.1)
//---------------------------------------------------------------------

func (s *Store) PeerAdd(rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[NodeIDOf(rec.PublicKey)] = &rec
}

func (s *Store) PeerRemove(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

func (s *Store) PeerGet(id NodeID) (*PeerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Store) PeerAll() []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

func (s *Store) PeerUpdateLastSeen(id NodeID, at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		p.LastSeen = at
	}
}

func (s *Store) PeerRecordFailure(id NodeID, errMsg string, at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		p.LastError = errMsg
		p.LastErrorTime = at
	}
}

// PeersNearHash returns up to count peers ordered by XOR-distance of their
// NodeID to the given target hash, for gossip-peer selection (spec §4.1).
func (s *Store) PeersNearHash(target Hash, count int) []PeerRecord {
	s.mu.RLock()
	all := make([]PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		all = append(all, *p)
	}
	s.mu.RUnlock()

	targetID := NodeID(target.Hex())
	sort.Slice(all, func(i, j int) bool {
		di := xorDistanceHex(string(NodeIDOf(all[i].PublicKey)), string(targetID))
		dj := xorDistanceHex(string(NodeIDOf(all[j].PublicKey)), string(targetID))
		return di.Cmp(dj) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

//---------------------------------------------------------------------
// multiparty_store (spec §4.1)
//---------------------------------------------------------------------

func (s *Store) AddKeygen(info PartyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties[info.RoomId] = &info
}

func (s *Store) PartyInfoByRoom(room RoomId) (*PartyInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[room]
	return p, ok
}

func (s *Store) AddSigningProof(room RoomId, sig RecoverableSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "signing_proof:" + string(room)
	blob, err := json.Marshal(sig)
	if err != nil {
		return WrapError(ErrFatal, err, "marshal signing proof")
	}
	s.storedState[key] = string(blob)
	return nil
}

//---------------------------------------------------------------------
// config_store (spec §4.1)
//---------------------------------------------------------------------

func (s *Store) SetDynamicMetadata(meta NodeMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamicMeta = meta
}

func (s *Store) DynamicMetadata() NodeMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dynamicMeta
}

func (s *Store) SetStoredState(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storedState[key] = value
}

func (s *Store) StoredState(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.storedState[key]
	return v, ok
}

func (s *Store) SetGenesis(tx Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genesis = &tx
}

func (s *Store) Genesis() (*Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.genesis == nil {
		return nil, false
	}
	cp := *s.genesis
	return &cp, true
}

// Close releases the WAL file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walFile == nil {
		return nil
	}
	return s.walFile.Close()
}

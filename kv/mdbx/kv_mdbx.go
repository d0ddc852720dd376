package mdbx

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/ledgerwatch/log/v3"
	"github.com/torquem-ch/mdbx-go/mdbx"
	"golang.org/x/sync/semaphore"

	"github.com/meridianchain/meridian/kv"
)

const NonExistingDBI kv.DBI = 999_999_999

// ReadersLimit is the MDBX reader-slot table size.
const ReadersLimit = 32000

type TableCfgFunc func(defaultTables kv.TableCfg) kv.TableCfg

func WithChaindataTables(defaultTables kv.TableCfg) kv.TableCfg {
	return defaultTables
}

type MdbxOpts struct {
	log        log.Logger
	tableCfg   TableCfgFunc
	path       string
	inMem      bool
	verbosity  mdbx.LogLvl
	mapSize    datasize.ByteSize
	growthStep datasize.ByteSize
	flags      uint
	roTxsLimit int64
}

func NewMDBX(log log.Logger) MdbxOpts {
	return MdbxOpts{
		log:      log,
		tableCfg: func(defaultTables kv.TableCfg) kv.TableCfg { return kv.ChaindataTablesCfg },
		flags:    mdbx.NoReadahead | mdbx.Coalesce | mdbx.Durable,
	}
}

func (opts MdbxOpts) Path(path string) MdbxOpts {
	opts.path = path
	return opts
}

func (opts MdbxOpts) InMem(tmpDir string) MdbxOpts {
	opts.inMem = true
	opts.path = tmpDir
	opts.flags |= mdbx.UtterlyNoSync | mdbx.NoMetaSync
	return opts
}

func (opts MdbxOpts) Exclusive() MdbxOpts {
	opts.flags = opts.flags | mdbx.Exclusive
	return opts
}

func (opts MdbxOpts) Readonly() MdbxOpts {
	opts.flags = opts.flags | mdbx.Readonly
	return opts
}

func (opts MdbxOpts) Flags(f func(uint) uint) MdbxOpts {
	opts.flags = f(opts.flags)
	return opts
}

func (opts MdbxOpts) DBVerbosity(v mdbx.LogLvl) MdbxOpts {
	opts.verbosity = v
	return opts
}

func (opts MdbxOpts) MapSize(sz datasize.ByteSize) MdbxOpts {
	opts.mapSize = sz
	return opts
}

func (opts MdbxOpts) GrowthStep(sz datasize.ByteSize) MdbxOpts {
	opts.growthStep = sz
	return opts
}

func (opts MdbxOpts) RoTxsLimiter(n int64) MdbxOpts {
	opts.roTxsLimit = n
	return opts
}

func (opts MdbxOpts) WithTableCfg(f TableCfgFunc) MdbxOpts {
	opts.tableCfg = f
	return opts
}

func (opts MdbxOpts) Open() (kv.RwDB, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, err
	}
	if opts.verbosity != 0 {
		if err = env.SetDebug(opts.verbosity, mdbx.DbgDoNotChange, mdbx.LoggerDoNotChange); err != nil {
			return nil, fmt.Errorf("db verbosity set: %w", err)
		}
	}
	if err = env.SetOption(mdbx.OptMaxDB, 64); err != nil {
		return nil, err
	}
	if err = env.SetOption(mdbx.OptMaxReaders, ReadersLimit); err != nil {
		return nil, err
	}

	if opts.mapSize == 0 {
		if opts.inMem {
			opts.mapSize = 512 * datasize.MB
		} else {
			opts.mapSize = 2 * datasize.TB
		}
	}
	if opts.growthStep == 0 {
		if opts.inMem {
			opts.growthStep = 16 * datasize.MB
		} else {
			opts.growthStep = 2 * datasize.GB
		}
	}
	const pageSize = 4 * 1024
	if opts.flags&mdbx.Accede == 0 {
		if err = env.SetGeometry(-1, -1, int(opts.mapSize), int(opts.growthStep), -1, pageSize); err != nil {
			return nil, err
		}
		if err = os.MkdirAll(opts.path, 0744); err != nil {
			return nil, fmt.Errorf("could not create dir: %s, %w", opts.path, err)
		}
	}

	if err = env.Open(opts.path, opts.flags, 0664); err != nil {
		return nil, fmt.Errorf("%w, path: %s", err, opts.path)
	}

	if opts.roTxsLimit == 0 {
		opts.roTxsLimit = int64(runtime.GOMAXPROCS(-1)) * 16
	}

	db := &MdbxKV{
		opts:         opts,
		env:          env,
		log:          opts.log.New("mdbx", filepath.Base(opts.path)),
		wg:           &sync.WaitGroup{},
		tables:       map[string]tableCfgItem{},
		pageSize:     pageSize,
		roTxsLimiter: semaphore.NewWeighted(opts.roTxsLimit),
	}
	for name, cfg := range opts.tableCfg(kv.ChaindataTablesCfg) {
		db.tables[name] = tableCfgItem{TableCfgItem: cfg, dbi: NonExistingDBI}
	}

	// open or create all configured dbis up front, single writer not yet contended
	names := kv.TablesCfgByName(db.AllTables())
	if err = db.Update(context.Background(), func(tx kv.RwTx) error {
		for _, name := range names {
			if db.tables[name].IsDeprecated {
				continue
			}
			if err := tx.(*MdbxTx).createTable(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		env.Close()
		return nil, err
	}

	if !opts.inMem {
		if staleReaders, err := db.env.ReaderCheck(); err != nil {
			db.log.Error("failed ReaderCheck", "err", err)
		} else if staleReaders > 0 {
			db.log.Debug("cleared reader slots from dead processes", "amount", staleReaders)
		}
	}
	return db, nil
}

func (opts MdbxOpts) MustOpen() kv.RwDB {
	db, err := opts.Open()
	if err != nil {
		panic(fmt.Errorf("fail to open mdbx: %w", err))
	}
	return db
}

type tableCfgItem struct {
	kv.TableCfgItem
	dbi kv.DBI
}

type MdbxKV struct {
	env          *mdbx.Env
	log          log.Logger
	wg           *sync.WaitGroup
	tables       map[string]tableCfgItem
	opts         MdbxOpts
	pageSize     uint64
	roTxsLimiter *semaphore.Weighted
	closed       bool
	mu           sync.RWMutex
}

// Close closes the db. All transactions must be finished first.
func (db *MdbxKV) Close() {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	db.closed = true
	db.mu.Unlock()

	db.wg.Wait()
	db.env.Close()
	db.env = nil

	if db.opts.inMem {
		if err := os.RemoveAll(db.opts.path); err != nil {
			db.log.Warn("failed to remove in-mem db file", "err", err)
		}
	}
}

func (db *MdbxKV) isClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

func (db *MdbxKV) ReadOnly() bool   { return db.opts.flags&mdbx.Readonly != 0 }
func (db *MdbxKV) PageSize() uint64 { return db.pageSize }
func (db *MdbxKV) Env() *mdbx.Env   { return db.env }
func (db *MdbxKV) AllTables() kv.TableCfg {
	res := kv.TableCfg{}
	for name, cfg := range db.tables {
		res[name] = cfg.TableCfgItem
	}
	return res
}

func (db *MdbxKV) BeginRo(ctx context.Context) (kv.Tx, error) {
	if db.isClosed() {
		return nil, kv.ErrClosed
	}
	// limit amount of concurrent read transactions to bound MDBX reader-slot usage
	if err := db.roTxsLimiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	tx, err := db.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		db.roTxsLimiter.Release(1)
		return nil, &kv.StoreError{Op: "begin ro", Err: err}
	}
	db.wg.Add(1)
	return &MdbxTx{db: db, tx: tx, readOnly: true}, nil
}

func (db *MdbxKV) BeginRw(ctx context.Context) (kv.RwTx, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if db.isClosed() {
		return nil, kv.ErrClosed
	}
	// write transactions (and their cursors) must hold the OS thread; MDBX
	// admits a single writer, BeginTxn queues behind the current one
	runtime.LockOSThread()
	tx, err := db.env.BeginTxn(nil, 0)
	if err != nil {
		runtime.UnlockOSThread() // unlock only on error, normal flow unlocks in Commit/Rollback
		return nil, &kv.StoreError{Op: "begin rw", Err: err}
	}
	db.wg.Add(1)
	return &MdbxTx{db: db, tx: tx}, nil
}

func (db *MdbxKV) View(ctx context.Context, f func(tx kv.Tx) error) error {
	tx, err := db.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

func (db *MdbxKV) Update(ctx context.Context, f func(tx kv.RwTx) error) error {
	tx, err := db.BeginRw(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err = f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type MdbxTx struct {
	tx               *mdbx.Txn
	db               *MdbxKV
	cursors          map[uint64]*mdbx.Cursor
	statelessCursors map[string]kv.RwCursor
	readOnly         bool
	cursorID         uint64
}

func (tx *MdbxTx) createTable(name string) error {
	cfg := tx.db.tables[name]

	dbi, err := tx.tx.OpenDBI(name, mdbx.DBAccede, nil, nil)
	if err != nil && !mdbx.IsNotFound(err) {
		return fmt.Errorf("create table: %s, %w", name, err)
	}
	if err == nil {
		cfg.dbi = kv.DBI(dbi)
		tx.db.tables[name] = cfg
		return nil
	}

	nativeFlags := uint(0)
	if tx.db.opts.flags&mdbx.Readonly == 0 {
		nativeFlags |= mdbx.Create
	}
	if cfg.Flags&kv.DupSort != 0 {
		nativeFlags |= mdbx.DupSort
	}
	dbi, err = tx.tx.OpenDBI(name, nativeFlags, nil, nil)
	if err != nil {
		return fmt.Errorf("create table: %s, %w", name, err)
	}
	cfg.dbi = kv.DBI(dbi)
	tx.db.tables[name] = cfg
	return nil
}

func (tx *MdbxTx) dbi(table string) (mdbx.DBI, error) {
	cfg, ok := tx.db.tables[table]
	if !ok || cfg.dbi == NonExistingDBI {
		return 0, fmt.Errorf("table: %s, %w", table, kv.ErrTableNotFound)
	}
	return mdbx.DBI(cfg.dbi), nil
}

func (tx *MdbxTx) ViewID() uint64 { return uint64(tx.tx.ID()) }

func (tx *MdbxTx) Commit() error {
	if tx.tx == nil {
		return nil
	}
	defer tx.cleanup()
	tx.closeCursors()
	_, err := tx.tx.Commit()
	if err != nil {
		return &kv.StoreError{Op: "commit", Err: err}
	}
	return nil
}

func (tx *MdbxTx) Rollback() {
	if tx.tx == nil {
		return
	}
	defer tx.cleanup()
	tx.closeCursors()
	tx.tx.Abort()
}

func (tx *MdbxTx) cleanup() {
	tx.tx = nil
	tx.db.wg.Done()
	if tx.readOnly {
		tx.db.roTxsLimiter.Release(1)
	} else {
		runtime.UnlockOSThread()
	}
}

func (tx *MdbxTx) closeCursors() {
	for _, c := range tx.cursors {
		if c != nil {
			c.Close()
		}
	}
	tx.cursors = nil
	tx.statelessCursors = nil
}

// statelessCursor returns a cached cursor for Get/Put-style access without
// explicit cursor management. Closed together with the transaction.
func (tx *MdbxTx) statelessCursor(table string) (kv.RwCursor, error) {
	if tx.statelessCursors == nil {
		tx.statelessCursors = make(map[string]kv.RwCursor)
	}
	c, ok := tx.statelessCursors[table]
	if !ok {
		var err error
		c, err = tx.RwCursor(table)
		if err != nil {
			return nil, err
		}
		tx.statelessCursors[table] = c
	}
	return c, nil
}

func (tx *MdbxTx) GetOne(table string, k []byte) ([]byte, error) {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return nil, err
	}
	_, v, err := c.SeekExact(k)
	return v, err
}

func (tx *MdbxTx) Has(table string, key []byte) (bool, error) {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return false, err
	}
	k, _, err := c.Seek(key)
	if err != nil {
		return false, err
	}
	return bytes.Equal(key, k), nil
}

func (tx *MdbxTx) Put(table string, k, v []byte) error {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return err
	}
	return c.Put(k, v)
}

func (tx *MdbxTx) Delete(table string, k []byte) error {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return err
	}
	return c.Delete(k)
}

func (tx *MdbxTx) Append(table string, k, v []byte) error {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return err
	}
	return c.Append(k, v)
}

func (tx *MdbxTx) AppendDup(table string, k, v []byte) error {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return err
	}
	return c.(*MdbxDupSortCursor).AppendDup(k, v)
}

func (tx *MdbxTx) IncrementSequence(table string, amount uint64) (uint64, error) {
	c, err := tx.statelessCursor(kv.Sequence)
	if err != nil {
		return 0, err
	}
	_, v, err := c.SeekExact([]byte(table))
	if err != nil {
		return 0, err
	}
	var currentV uint64
	if len(v) > 0 {
		currentV = binary.BigEndian.Uint64(v)
	}
	newVBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(newVBytes, currentV+amount)
	if err = c.Put([]byte(table), newVBytes); err != nil {
		return 0, err
	}
	return currentV, nil
}

func (tx *MdbxTx) ReadSequence(table string) (uint64, error) {
	c, err := tx.statelessCursor(kv.Sequence)
	if err != nil {
		return 0, err
	}
	_, v, err := c.SeekExact([]byte(table))
	if err != nil {
		return 0, err
	}
	var currentV uint64
	if len(v) > 0 {
		currentV = binary.BigEndian.Uint64(v)
	}
	return currentV, nil
}

func (tx *MdbxTx) ClearTable(table string) error {
	dbi, err := tx.dbi(table)
	if err != nil {
		return err
	}
	return tx.tx.Drop(dbi, false)
}

func (tx *MdbxTx) ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error {
	c, err := tx.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()
	for k, v, err := c.Seek(fromPrefix); k != nil; k, v, err = c.Next() {
		if err != nil {
			return err
		}
		if err := walker(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (tx *MdbxTx) ForPrefix(table string, prefix []byte, walker func(k, v []byte) error) error {
	c, err := tx.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()
	for k, v, err := c.Seek(prefix); k != nil; k, v, err = c.Next() {
		if err != nil {
			return err
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if err := walker(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (tx *MdbxTx) Cursor(table string) (kv.Cursor, error) {
	return tx.RwCursor(table)
}

func (tx *MdbxTx) RwCursor(table string) (kv.RwCursor, error) {
	cfg, ok := tx.db.tables[table]
	if !ok {
		return nil, fmt.Errorf("table: %s, %w", table, kv.ErrTableNotFound)
	}
	if cfg.Flags&kv.DupSort != 0 {
		return tx.RwCursorDupSort(table)
	}
	return tx.stdCursor(table)
}

func (tx *MdbxTx) stdCursor(table string) (kv.RwCursor, error) {
	dbi, err := tx.dbi(table)
	if err != nil {
		return nil, err
	}
	c := &MdbxCursor{tableName: table, tx: tx, dbi: dbi, id: tx.cursorID}
	tx.cursorID++

	c.c, err = tx.tx.OpenCursor(c.dbi)
	if err != nil {
		return nil, fmt.Errorf("table: %s, %w", c.tableName, err)
	}

	// auto-cleanup on end of transaction
	if tx.cursors == nil {
		tx.cursors = map[uint64]*mdbx.Cursor{}
	}
	tx.cursors[c.id] = c.c
	return c, nil
}

func (tx *MdbxTx) CursorDupSort(table string) (kv.CursorDupSort, error) {
	return tx.RwCursorDupSort(table)
}

func (tx *MdbxTx) RwCursorDupSort(table string) (kv.RwCursorDupSort, error) {
	basicCursor, err := tx.stdCursor(table)
	if err != nil {
		return nil, err
	}
	return &MdbxDupSortCursor{MdbxCursor: basicCursor.(*MdbxCursor)}, nil
}

type MdbxCursor struct {
	tableName string
	tx        *MdbxTx
	c         *mdbx.Cursor
	dbi       mdbx.DBI
	id        uint64
}

func (c *MdbxCursor) Count() (uint64, error) {
	st, err := c.tx.tx.StatDBI(c.dbi)
	if err != nil {
		return 0, err
	}
	return st.Entries, nil
}

func (c *MdbxCursor) First() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.First)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.First", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxCursor) Last() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.Last)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.Last", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxCursor) Seek(seek []byte) ([]byte, []byte, error) {
	var k, v []byte
	var err error
	if len(seek) == 0 {
		k, v, err = c.c.Get(nil, nil, mdbx.First)
	} else {
		k, v, err = c.c.Get(seek, nil, mdbx.SetRange)
	}
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.Seek", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxCursor) SeekExact(key []byte) ([]byte, []byte, error) {
	k, v, err := c.c.Get(key, nil, mdbx.Set)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.SeekExact", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxCursor) Next() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.Next)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.Next", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxCursor) Prev() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.Prev)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.Prev", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxCursor) Current() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.GetCurrent)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.Current", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxCursor) Put(k, v []byte) error {
	if err := c.c.Put(k, v, 0); err != nil {
		return &kv.StoreError{Op: "cursor.Put", Table: c.tableName, Err: err}
	}
	return nil
}

func (c *MdbxCursor) Append(k, v []byte) error {
	if err := c.c.Put(k, v, mdbx.Append); err != nil {
		return &kv.StoreError{Op: "cursor.Append", Table: c.tableName, Err: err}
	}
	return nil
}

func (c *MdbxCursor) Delete(k []byte) error {
	_, _, err := c.c.Get(k, nil, mdbx.Set)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.c.Del(mdbx.Current)
}

func (c *MdbxCursor) DeleteCurrent() error {
	return c.c.Del(mdbx.Current)
}

func (c *MdbxCursor) Close() {
	if c.c != nil {
		c.c.Close()
		delete(c.tx.cursors, c.id)
		c.c = nil
	}
}

type MdbxDupSortCursor struct {
	*MdbxCursor
}

func (c *MdbxDupSortCursor) SeekBothExact(key, value []byte) ([]byte, []byte, error) {
	k, v, err := c.c.Get(key, value, mdbx.GetBoth)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.SeekBothExact", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxDupSortCursor) SeekBothRange(key, value []byte) ([]byte, error) {
	_, v, err := c.c.Get(key, value, mdbx.GetBothRange)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil
		}
		return nil, &kv.StoreError{Op: "cursor.SeekBothRange", Table: c.tableName, Err: err}
	}
	return v, nil
}

func (c *MdbxDupSortCursor) FirstDup() ([]byte, error) {
	_, v, err := c.c.Get(nil, nil, mdbx.FirstDup)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil
		}
		return nil, &kv.StoreError{Op: "cursor.FirstDup", Table: c.tableName, Err: err}
	}
	return v, nil
}

func (c *MdbxDupSortCursor) NextDup() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.NextDup)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.NextDup", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxDupSortCursor) NextNoDup() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.NextNoDup)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, &kv.StoreError{Op: "cursor.NextNoDup", Table: c.tableName, Err: err}
	}
	return k, v, nil
}

func (c *MdbxDupSortCursor) LastDup() ([]byte, error) {
	_, v, err := c.c.Get(nil, nil, mdbx.LastDup)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil
		}
		return nil, &kv.StoreError{Op: "cursor.LastDup", Table: c.tableName, Err: err}
	}
	return v, nil
}

func (c *MdbxDupSortCursor) CountDuplicates() (uint64, error) {
	res, err := c.c.Count()
	if err != nil {
		return 0, &kv.StoreError{Op: "cursor.CountDuplicates", Table: c.tableName, Err: err}
	}
	return res, nil
}

func (c *MdbxDupSortCursor) DeleteExact(k, v []byte) error {
	_, _, err := c.c.Get(k, v, mdbx.GetBoth)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.c.Del(mdbx.Current)
}

func (c *MdbxDupSortCursor) DeleteCurrentDuplicates() error {
	if err := c.c.Del(mdbx.AllDups); err != nil {
		return &kv.StoreError{Op: "cursor.DeleteCurrentDuplicates", Table: c.tableName, Err: err}
	}
	return nil
}

func (c *MdbxDupSortCursor) AppendDup(k, v []byte) error {
	if err := c.c.Put(k, v, mdbx.AppendDup); err != nil {
		return &kv.StoreError{Op: "cursor.AppendDup", Table: c.tableName, Err: err}
	}
	return nil
}

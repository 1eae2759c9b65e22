package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/humanjesse/zvdb/pkg/hnsw"
	"github.com/humanjesse/zvdb/pkg/table"
	"github.com/humanjesse/zvdb/pkg/value"
	"github.com/humanjesse/zvdb/pkg/zvdb"
)

func main() {
	fs := flag.NewFlagSet("zvdb", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: zvdb [OPTIONS] DIR\n")
		fs.PrintDefaults()
	}
	walDir := fs.String("wal", "", "WAL directory to enable on startup (recovered from if it has records)")
	cmdFlag := fs.String("cmd", "", "Run one meta command and exit")
	fs.Parse(os.Args[1:])

	dir := ":memory:"
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}

	db, err := openDatabase(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open error:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *walDir != "" {
		if err := db.EnableWal(*walDir); err != nil {
			fmt.Fprintln(os.Stderr, "enable wal:", err)
			os.Exit(1)
		}
		report, err := db.RecoverFromWal(*walDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "recover wal:", err)
			os.Exit(1)
		}
		if report.RecordsApplied > 0 {
			fmt.Printf("recovered %d record(s) from %d segment(s)\n", report.RecordsApplied, report.SegmentsRead)
		}
	}

	sh := &shell{db: db, dir: dir, out: os.Stdout}

	if *cmdFlag != "" {
		if err := sh.handle(*cmdFlag); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	sh.run()
}

func openDatabase(dir string) (*zvdb.Database, error) {
	if dir == ":memory:" {
		dir = ""
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return zvdb.Open(dir)
}

// shell is a dot-command REPL over a Database façade. zvdb has no SQL layer
// of its own: every command below maps directly onto a Database method.
type shell struct {
	db  *zvdb.Database
	dir string
	out *os.File
}

func (sh *shell) run() {
	fmt.Fprintln(sh.out, "zvdb shell. '.help' for commands, '.quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024), 4*1024*1024)

	for {
		fmt.Fprint(sh.out, "zvdb> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sh.handle(line); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

func (sh *shell) handle(line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case ".help":
		printHelp(sh.out)
	case ".quit", ".exit":
		os.Exit(0)
	case ".tables":
		sh.printTables()
	case ".create":
		return sh.createTable(args)
	case ".insert":
		return sh.insert(args)
	case ".get":
		return sh.get(args)
	case ".scan":
		return sh.scan(args)
	case ".update":
		return sh.update(args)
	case ".delete":
		return sh.delete(args)
	case ".index":
		return sh.index(args)
	case ".rebuild":
		return sh.db.RebuildHnswFromTables()
	case ".search":
		return sh.search(args)
	case ".save":
		return sh.save(args)
	case ".load":
		return sh.load(args)
	case ".stats":
		sh.printStats()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func printHelp(w *os.File) {
	fmt.Fprintln(w, `
.tables                           List registered tables
.create TABLE COL:KIND...         Create a table (KIND: int|float|bool|text|embedding)
.insert TABLE JSON                Insert a row, e.g. .insert docs {"body":"hi"}
.get TABLE ID                     Fetch one row by id
.scan TABLE                       List every visible row
.update TABLE ID JSON             Replace a row's contents
.delete TABLE ID                  Delete a row
.index create TABLE COL DIM       Register an HNSW index over an embedding column
.rebuild                          Rebuild every registered index from table contents
.search TABLE COL K V1,V2,...     Find the k nearest rows to a vector
.save DIR                         Write MVCC snapshots (version chains, commit log, indexes)
.load DIR mvcc|v2                 Reload from DIR (mvcc keeps version chains + indexes)
.stats                            Print operational counters
.quit                             Exit`)
}

func (sh *shell) printTables() {
	names := sh.db.TableNames()
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(sh.out, n)
	}
}

var kindByName = map[string]value.Kind{
	"int":       value.KindInt,
	"float":     value.KindFloat,
	"bool":      value.KindBool,
	"text":      value.KindText,
	"embedding": value.KindEmbedding,
}

func (sh *shell) createTable(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: .create TABLE COL:KIND...")
	}
	cols := make([]table.Column, 0, len(args)-1)
	for _, spec := range args[1:] {
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad column spec %q, want NAME:KIND", spec)
		}
		kind, ok := kindByName[parts[1]]
		if !ok {
			return fmt.Errorf("unknown column kind %q", parts[1])
		}
		cols = append(cols, table.Column{Name: parts[0], Type: kind})
	}
	return sh.db.CreateTable(args[0], cols)
}

func (sh *shell) insert(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: .insert TABLE JSON")
	}
	row, err := decodeRow(strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	id, err := sh.db.Insert(args[0], row)
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.out, id)
	return nil
}

func (sh *shell) get(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: .get TABLE ID")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return err
	}
	row, err := sh.db.Get(args[0], id)
	if err != nil {
		return err
	}
	printRow(sh.out, row)
	return nil
}

func (sh *shell) scan(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: .scan TABLE")
	}
	rows, err := sh.db.Scan(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(sh.out, 0, 0, 2, ' ', 0)
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\n", r.ID, rowString(r.Row))
	}
	return w.Flush()
}

func (sh *shell) update(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: .update TABLE ID JSON")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return err
	}
	row, err := decodeRow(strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	return sh.db.Update(args[0], id, row)
}

func (sh *shell) delete(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: .delete TABLE ID")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return err
	}
	return sh.db.Delete(args[0], id)
}

func (sh *shell) index(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: .index create TABLE COL DIM")
	}
	switch args[0] {
	case "create":
		if len(args) != 4 {
			return fmt.Errorf("usage: .index create TABLE COL DIM")
		}
		dim, err := strconv.Atoi(args[3])
		if err != nil {
			return err
		}
		_, err = sh.db.CreateIndex(args[1], args[2], dim, hnsw.DefaultParams)
		return err
	default:
		return fmt.Errorf("unknown .index subcommand %q", args[0])
	}
}

func (sh *shell) search(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: .search TABLE COL K V1,V2,...")
	}
	k, err := strconv.Atoi(args[2])
	if err != nil {
		return err
	}
	vec, err := parseVector(args[3])
	if err != nil {
		return err
	}
	idx, ok := sh.db.Index(args[0], args[1], len(vec))
	if !ok {
		return fmt.Errorf("no index over %s.%s for dimension %d", args[0], args[1], len(vec))
	}
	for _, r := range idx.Search(vec, k) {
		fmt.Fprintf(sh.out, "%d\t%.6f\n", r.ExternalID, r.Distance)
	}
	return nil
}

func (sh *shell) save(args []string) error {
	dir := sh.dir
	if len(args) == 1 {
		dir = args[0]
	}
	return sh.db.SaveAllMvcc(dir)
}

func (sh *shell) load(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: .load DIR mvcc|v2")
	}
	dir := args[0]
	mode := "mvcc"
	if len(args) > 1 {
		mode = args[1]
	}
	if mode == "v2" {
		fresh, err := zvdb.Open(dir)
		if err != nil {
			return err
		}
		sh.db = fresh
		return nil
	}
	return sh.db.LoadAllMvcc(dir)
}

func (sh *shell) printStats() {
	s := sh.db.Stats()
	fmt.Fprintf(sh.out, "tables=%d indexes=%d wal=%t wal_segment=%d last_checkpoint_txid=%d txns_since_vacuum=%d\n",
		s.TableCount, s.IndexCount, s.WalEnabled, s.WalSegment, s.LastCheckpointTxID, s.TxnCountSinceVacuum)
	for ref, n := range s.NodeCountByIndex {
		fmt.Fprintf(sh.out, "  %s.%s[%d]: %d node(s)\n", ref.Table, ref.Column, ref.Dim, n)
	}
}

func decodeRow(jsonText string) (value.Row, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("parse row json: %w", err)
	}
	row := make(value.Row, len(raw))
	for k, v := range raw {
		row[k] = decodeValue(v)
	}
	return row, nil
}

func decodeValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case string:
		return value.Text(t)
	case float64:
		if t == float64(int64(t)) {
			return value.Int(int64(t))
		}
		return value.Float(t)
	case []any:
		vec := make([]float32, len(t))
		for i, e := range t {
			if f, ok := e.(float64); ok {
				vec[i] = float32(f)
			}
		}
		return value.Embedding(vec)
	default:
		return value.Null()
	}
}

func parseVector(csv string) ([]float32, error) {
	parts := strings.Split(csv, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("bad vector component %q: %w", p, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func printRow(w *os.File, row value.Row) {
	fmt.Fprintln(w, rowString(row))
}

func rowString(row value.Row) string {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(scalarString(row[name]))
	}
	return b.String()
}

func scalarString(v value.Value) string {
	switch v.Kind {
	case value.KindNull:
		return "NULL"
	case value.KindInt:
		return strconv.FormatInt(v.I, 10)
	case value.KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case value.KindBool:
		return strconv.FormatBool(v.B)
	case value.KindText:
		return v.S
	case value.KindEmbedding:
		return fmt.Sprintf("<embedding:%d>", len(v.E))
	default:
		return ""
	}
}

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/jessevdk/go-flags"
)

func registerCommands(parser *flags.Parser) {
	must := func(name, short string, cmd any) {
		if _, err := parser.AddCommand(name, short, short, cmd); err != nil {
			panic(err)
		}
	}

	must("cache", "Shred a bundle file and record it under a query id", &cacheCmd{})
	must("load", "Ingest flat records without a bundle envelope", &loadCmd{})
	must("extract", "Create a view from a query id's ingested rows", &extractCmd{})
	must("filter", "Create a view from another view's rows", &filterCmd{})
	must("sort", "Create a sorted derived view", &sortCmd{})
	must("group", "Create a grouped derived view", &groupCmd{})
	must("join", "Create a joined derived view", &joinCmd{})
	must("merge", "Union several views into one", &mergeCmd{})
	must("rename", "Rename a view", &renameCmd{})
	must("remove", "Drop a view", &removeCmd{})
	must("reassign", "Enrich rows with additional fields", &reassignCmd{})
	must("lookup", "Print a view's rows", &lookupCmd{})
	must("values", "Print a flat projection of one column/path", &valuesCmd{})
	must("columns", "List a view's columns", &columnsCmd{})
	must("schema", "Print a view's column types", &schemaCmd{})
	must("count", "Print a view's row count", &countCmd{})
	must("tables", "List physical SCO-type tables", &tablesCmd{})
	must("views", "List catalog view names", &viewsCmd{})
	must("table-type", "Print the SCO type backing a view", &tableTypeCmd{})
	must("get-appdata", "Print a view's app-data blob", &getAppDataCmd{})
	must("set-appdata", "Store an app-data blob against a view", &setAppDataCmd{})
	must("delete", "Drop every table and view in this session", &deleteCmd{})
}

type cacheCmd struct {
	Args struct {
		QueryID string `positional-arg-name:"query-id"`
		Bundle  string `positional-arg-name:"bundle-file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cacheCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Cache(ctx, c.Args.QueryID, c.Args.Bundle)
}

type loadCmd struct {
	Type        string `long:"type" description:"SCO type override (else inferred per-record)"`
	QueryID     string `long:"query-id" description:"Also record ingested ids under this query id"`
	PreserveIDs bool   `long:"preserve-ids" description:"Keep a record's own \"id\" field if present"`
	Args        struct {
		Name    string `positional-arg-name:"name"`
		Records string `positional-arg-name:"records-file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *loadCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	recs, err := parseJSONRecords(c.Args.Records)
	if err != nil {
		return err
	}
	anyRecs := make([]any, len(recs))
	for i, r := range recs {
		anyRecs[i] = r
	}
	scoType, err := store.Load(ctx, c.Args.Name, anyRecs, c.Type, c.QueryID, c.PreserveIDs)
	if err != nil {
		return err
	}
	fmt.Println(scoType)
	return nil
}

type extractCmd struct {
	Args struct {
		Name    string `positional-arg-name:"name"`
		Type    string `positional-arg-name:"sco-type"`
		QueryID string `positional-arg-name:"query-id"`
		Pattern string `positional-arg-name:"pattern"`
	} `positional-args:"yes" required:"yes"`
}

func (c *extractCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Extract(ctx, c.Args.Name, c.Args.Type, c.Args.QueryID, c.Args.Pattern)
}

type filterCmd struct {
	Args struct {
		Name    string `positional-arg-name:"name"`
		Type    string `positional-arg-name:"sco-type"`
		Source  string `positional-arg-name:"source"`
		Pattern string `positional-arg-name:"pattern"`
	} `positional-args:"yes" required:"yes"`
}

func (c *filterCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Filter(ctx, c.Args.Name, c.Args.Type, c.Args.Source, c.Args.Pattern)
}

type sortCmd struct {
	Desc  bool `long:"desc" description:"Sort descending (default ascending)"`
	Limit int  `long:"limit" description:"Limit the result to the first N rows"`
	Args  struct {
		Name   string `positional-arg-name:"name"`
		Source string `positional-arg-name:"source"`
		By     string `positional-arg-name:"column"`
	} `positional-args:"yes" required:"yes"`
}

func (c *sortCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Assign(ctx, c.Args.Name, c.Args.Source, "sort", c.Args.By, !c.Desc, c.Limit)
}

type groupCmd struct {
	Args struct {
		Name   string `positional-arg-name:"name"`
		Source string `positional-arg-name:"source"`
		By     string `positional-arg-name:"column"`
	} `positional-args:"yes" required:"yes"`
}

func (c *groupCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Assign(ctx, c.Args.Name, c.Args.Source, "group", c.Args.By, true, 0)
}

type joinCmd struct {
	Args struct {
		Name    string `positional-arg-name:"name"`
		Left    string `positional-arg-name:"left"`
		LeftOn  string `positional-arg-name:"left-on"`
		Right   string `positional-arg-name:"right"`
		RightOn string `positional-arg-name:"right-on"`
	} `positional-args:"yes" required:"yes"`
}

func (c *joinCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Join(ctx, c.Args.Name, c.Args.Left, c.Args.LeftOn, c.Args.Right, c.Args.RightOn)
}

type mergeCmd struct {
	Args struct {
		Name    string   `positional-arg-name:"name"`
		Sources []string `positional-arg-name:"source"`
	} `positional-args:"yes" required:"yes"`
}

func (c *mergeCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Merge(ctx, c.Args.Name, c.Args.Sources)
}

type renameCmd struct {
	Args struct {
		Old string `positional-arg-name:"old-name"`
		New string `positional-arg-name:"new-name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *renameCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Rename(ctx, c.Args.Old, c.Args.New)
}

type removeCmd struct {
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *removeCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Remove(ctx, c.Args.Name)
}

type reassignCmd struct {
	Args struct {
		Name    string `positional-arg-name:"name"`
		Type    string `positional-arg-name:"sco-type"`
		Records string `positional-arg-name:"records-file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *reassignCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	recs, err := parseJSONRecords(c.Args.Records)
	if err != nil {
		return err
	}
	return store.Reassign(ctx, c.Args.Name, c.Args.Type, recs)
}

type lookupCmd struct {
	Limit  int    `long:"limit" description:"Maximum rows to return"`
	Offset int    `long:"offset" description:"Rows to skip"`
	Cols   string `long:"cols" description:"Comma-separated column list"`
	Args   struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *lookupCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	rows, err := store.Lookup(ctx, c.Args.Name, c.Limit, c.Offset, splitCols(c.Cols))
	if err != nil {
		return err
	}
	printRows(rows)
	return nil
}

type valuesCmd struct {
	Args struct {
		Path string `positional-arg-name:"path"`
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *valuesCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	vals, err := store.Values(ctx, c.Args.Path, c.Args.Name)
	if err != nil {
		return err
	}
	for _, v := range vals {
		fmt.Println(v)
	}
	return nil
}

type columnsCmd struct {
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *columnsCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	cols, err := store.Columns(ctx, c.Args.Name)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(cols, ","))
	return nil
}

type schemaCmd struct {
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *schemaCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	schema, err := store.Schema(ctx, c.Args.Name)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	for _, col := range schema {
		fmt.Fprintf(w, "%s\t%s\n", col.Name, col.Type)
	}
	return w.Flush()
}

type countCmd struct {
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *countCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.Count(ctx, c.Args.Name)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

type tablesCmd struct{}

func (c *tablesCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	tables, err := store.Tables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		fmt.Println(t)
	}
	return nil
}

type viewsCmd struct{}

func (c *viewsCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	views, err := store.Views(ctx)
	if err != nil {
		return err
	}
	for _, v := range views {
		fmt.Println(v)
	}
	return nil
}

type tableTypeCmd struct {
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *tableTypeCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	t, err := store.TableType(ctx, c.Args.Name)
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}

type getAppDataCmd struct {
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *getAppDataCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	data, err := store.GetAppData(ctx, c.Args.Name)
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}

type setAppDataCmd struct {
	Args struct {
		Name string `positional-arg-name:"name"`
		Data string `positional-arg-name:"data-file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *setAppDataCmd) Execute(_ []string) error {
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	f := os.Stdin
	if c.Args.Data != "-" {
		f, err = os.Open(c.Args.Data)
		if err != nil {
			return err
		}
		defer f.Close()
	}
	data := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}
	return store.SetAppData(ctx, c.Args.Name, data)
}

type deleteCmd struct {
	Confirm bool `long:"yes" description:"Actually perform the deletion"`
}

func (c *deleteCmd) Execute(_ []string) error {
	if !c.Confirm {
		return fmt.Errorf("refusing to delete without --yes")
	}
	ctx, cancel := rootContext()
	defer cancel()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Delete(ctx)
}

func printRows(rows []map[string]any) {
	if len(rows) == 0 {
		return
	}
	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprint(row[c])
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
}

package search

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/hyperkv/cmd/util"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/ValentinKolb/hyperkv/lib/search"
	"github.com/spf13/cobra"
)

// Commands are the query commands of the local node
var Commands = []*cobra.Command{searchCmd, groupDelCmd}

var (
	searchCmd = &cobra.Command{
		Use:   "search [expr]...",
		Short: "Lists all objects matching the expressions",
		Long: util.WrapString(`Lists all objects matching the expressions. An expression has the form <dim><op><value> with op one of =, <=, >=. Dimension 0 is the key. Attributes without expression match everything.`) +
			"\n\nExample: hkv search 1=alice 2>=2020",
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			terms, us, err := prepare(cmd, args, n)
			if err != nil {
				return err
			}
			comm := &localComm{node: n}
			s := search.New(n.Static, n.Data, comm, search.WithMaxFlushAttempts(n.Conf.MaxFlushAttempts))

			s.Start(us, client, 1, 0, terms)
			for nonce := uint64(1); !comm.done; nonce++ {
				sent := comm.received
				s.Next(us, client, 1, nonce)
				if comm.received == sent {
					return fmt.Errorf("search was dropped by %s", us.Region)
				}
			}
			if comm.code != hyperspace.NetSuccess {
				return fmt.Errorf("search failed: %s", comm.code)
			}
			fmt.Printf("%d object(s) in %s\n", comm.items, us.Region)
			return nil
		}),
	}
	groupDelCmd = &cobra.Command{
		Use:   "group-del [expr]...",
		Short: "Deletes all objects matching the expressions",
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			terms, us, err := prepare(cmd, args, n)
			if err != nil {
				return err
			}
			comm := &localComm{node: n}
			s := search.New(n.Static, n.Data, comm, search.WithMaxFlushAttempts(n.Conf.MaxFlushAttempts))

			s.GroupKeyop(us, client, 1, terms, hyperspace.ReqGroupDel, nil)
			if comm.err != nil {
				return comm.err
			}
			if comm.code != hyperspace.NetSuccess {
				return fmt.Errorf("group delete failed: %s", comm.code)
			}
			fmt.Printf("deleted %d object(s)\n", comm.deleted)
			return nil
		}),
	}
)

// client is the entity the command line acts as
var client = hyperspace.EntityID{Number: 1}

func init() {
	for _, c := range Commands {
		c.Flags().Int("subspace", -1, util.WrapString("Subspace to search in (default: the subspace best covered by equality expressions)"))
	}
}

// prepare parses the expressions and picks the region to run in
func prepare(cmd *cobra.Command, args []string, n *util.Node) (*hyperspace.Search, hyperspace.EntityID, error) {
	terms, err := hyperspace.ParseSearch(n.Space.Dims, args)
	if err != nil {
		return nil, hyperspace.EntityID{}, err
	}

	sub, _ := cmd.Flags().GetInt("subspace")
	if sub < 0 {
		sub = pickSubspace(n.Space, terms)
	}
	region, err := n.ParseRegion(fmt.Sprint(sub))
	if err != nil {
		return nil, hyperspace.EntityID{}, err
	}
	n.Log.Debugf("running %s in %s", terms, region)
	return terms, hyperspace.EntityID{Region: region}, nil
}

// pickSubspace returns the subspace with the most attributes fixed by equality
// expressions. Only fully fixed subspaces can prune, otherwise the key subspace is used.
func pickSubspace(space hyperspace.Space, terms hyperspace.Terms) int {
	best, bestFixed := 0, 0
	for i, attrs := range space.Subspaces {
		fixed := 0
		for _, a := range attrs {
			if _, ok := terms.Equality(a); ok {
				fixed++
			}
		}
		if fixed == len(attrs) && fixed > bestFixed {
			best, bestFixed = i, fixed
		}
	}
	return best
}

// --------------------------------------------------------------------------
// Local messaging
// --------------------------------------------------------------------------

// localComm plays the client and the point leaders of the local node
type localComm struct {
	node *util.Node

	received int
	items    int
	deleted  int
	done     bool
	code     hyperspace.NetReturnCode
	err      error
}

func (c *localComm) Send(from, to hyperspace.EntityID, t hyperspace.MsgType, payload []byte) bool {
	c.received++
	switch t {
	case hyperspace.RespSearchItem:
		_, key, value, err := hyperspace.UnpackSearchItem(payload)
		if err != nil {
			c.fail(err)
			return false
		}
		cols := make([]string, len(value))
		for i, v := range value {
			cols[i] = string(v)
		}
		fmt.Printf("%s\t%s\n", key, strings.Join(cols, "\t"))
		c.items++

	case hyperspace.RespSearchDone, hyperspace.RespGroupDel:
		var err error
		if t == hyperspace.RespSearchDone {
			_, c.code, err = hyperspace.UnpackSearchDone(payload)
		} else {
			_, c.code, err = hyperspace.UnpackGroupResponse(payload)
		}
		if err != nil {
			c.fail(err)
			return false
		}
		c.done = true

	case hyperspace.ReqGroupDel:
		_, key, _, err := hyperspace.UnpackGroupKeyop(payload)
		if err != nil {
			c.fail(err)
			return false
		}
		if err := c.node.Del(key); err != nil {
			c.fail(err)
			return false
		}
		c.deleted++

	default:
		c.fail(fmt.Errorf("unexpected %s from %s", t, from))
		return false
	}
	return true
}

func (c *localComm) fail(err error) {
	c.done = true
	c.code = hyperspace.NetServerError
	if c.err == nil {
		c.err = err
	}
}

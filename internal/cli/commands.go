// Package cli implements the interactive operator console: live totals,
// entity listings, stored sessions and flow control.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/config"
	"github.com/starmeter-project/starmeter/internal/db"
	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/meter"
	"github.com/starmeter-project/starmeter/internal/pipeline"
)

const prompt = "starmeter> "

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	session   *pipeline.Session
	tally     *meter.Tally
	directory *entity.Directory
	combatLog *db.CombatLog

	in  io.Reader
	out io.Writer
}

// NewCLI creates a CLI on stdin and stdout. combatLog may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, session *pipeline.Session,
	tally *meter.Tally, directory *entity.Directory, combatLog *db.CombatLog) *CLI {
	return &CLI{
		cfg:       cfg,
		eventBus:  eventBus,
		session:   session,
		tally:     tally,
		directory: directory,
		combatLog: combatLog,
		in:        os.Stdin,
		out:       os.Stdout,
	}
}

// SetIO replaces the console streams.
func (c *CLI) SetIO(in io.Reader, out io.Writer) {
	c.in = in
	c.out = out
}

// Start reads commands until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nstarmeter console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, prompt)
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "top", "t":
		return c.printTop(args)
	case "recent", "r":
		return c.printRecent(args)
	case "entities", "e":
		return c.printEntities(args)
	case "sessions":
		return c.printSessions(args)
	case "reset":
		c.session.Reset("manual")
		fmt.Fprintln(c.out, "Flow binding and TCP cache cleared")
	case "clear":
		c.tally.Clear()
		fmt.Fprintln(c.out, "Meter totals cleared")
	case "set":
		return c.cmdSet(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down starmeter...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status              Show the bound flow and pipeline counters
  top [n]             Show the n biggest sources this session
  recent [n]          Show the last n combat events
  entities [role]     List known players or monsters
  sessions [n]        List stored sessions
  reset               Release the bound flow and clear the TCP cache
  clear               Clear the live meter totals
  set <s.key> <v>     Update a configuration value
  quit                Shut down starmeter
  help                Show this help message`)
}

func (c *CLI) newTable(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.session.Snapshot()
	tw := c.newTable([]string{"Field", "Value"})

	bound := "no"
	if st.Bound {
		bound = "yes"
	}
	tw.Append([]string{"Bound", bound})
	if st.Bound {
		tw.Append([]string{"Flow", st.Flow})
		tw.Append([]string{"Method", st.Method})
		tw.Append([]string{"Session", st.Session})
		tw.Append([]string{"Bound for", st.Uptime(time.Now()).Truncate(time.Second).String()})
		tw.Append([]string{"Last activity", st.LastActivity.Format("15:04:05")})
	}
	tw.Append([]string{"Current user", strconv.FormatInt(st.CurrentUser, 10)})
	tw.Append([]string{"Segments", strconv.FormatUint(st.Counters.Segments, 10)})
	tw.Append([]string{"Reassembled", strconv.FormatUint(st.Counters.Reassembled, 10)})
	tw.Append([]string{"Detections", strconv.FormatUint(st.Counters.Detections, 10)})
	tw.Append([]string{"Resets", strconv.FormatUint(st.Counters.Resets, 10)})
	tw.Append([]string{"Frame errors", strconv.FormatUint(st.Counters.FrameErrors, 10)})
	tw.Append([]string{"Meter events", strconv.FormatUint(c.tally.Events(), 10)})
	players, monsters := c.directory.Len()
	tw.Append([]string{"Entities", fmt.Sprintf("%d players, %d monsters", players, monsters)})
	tw.Render()
}

func (c *CLI) printTop(args []string) error {
	n, err := countArg(args, 10)
	if err != nil {
		return err
	}
	totals := c.tally.Top(n)
	if len(totals) == 0 {
		fmt.Fprintln(c.out, "No combat recorded this session")
		return nil
	}

	tw := c.newTable([]string{"#", "Source", "Damage", "DPS", "Heal", "Hits", "Crit %", "Max hit"})
	for i, t := range totals {
		tw.Append([]string{
			strconv.Itoa(i + 1),
			t.Source,
			strconv.FormatInt(t.Damage, 10),
			fmt.Sprintf("%.0f", t.DPS()),
			strconv.FormatInt(t.Heal, 10),
			strconv.FormatUint(t.Hits, 10),
			fmt.Sprintf("%.1f", t.CritRate()*100),
			strconv.FormatInt(t.MaxHit, 10),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printRecent(args []string) error {
	n, err := countArg(args, 20)
	if err != nil {
		return err
	}
	recent := c.tally.Recent(n)
	if len(recent) == 0 {
		fmt.Fprintln(c.out, "No combat recorded this session")
		return nil
	}

	tw := c.newTable([]string{"Time", "Source", "Target", "Skill", "Type", "Amount", "Element", "Extras"})
	for _, ev := range recent {
		tw.Append([]string{
			ev.Timestamp.Format("15:04:05.000"),
			ev.Source,
			ev.Target,
			ev.Skill,
			ev.ActionType(),
			strconv.FormatInt(ev.Amount, 10),
			ev.Element,
			ev.ExtrasString(","),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printEntities(args []string) error {
	var recs []entity.Record
	switch {
	case len(args) == 0:
		recs = append(c.directory.Players(), c.directory.Monsters()...)
	case strings.EqualFold(args[0], entity.RolePlayer.String()):
		recs = c.directory.Players()
	case strings.EqualFold(args[0], entity.RoleMonster.String()):
		recs = c.directory.Monsters()
	default:
		return fmt.Errorf("usage: entities [player|monster]")
	}

	tw := c.newTable([]string{"Kind", "ID", "Name", "Class", "Updated"})
	for _, r := range recs {
		class := "-"
		if r.ClassID != 0 {
			class = strconv.Itoa(int(r.ClassID))
		}
		tw.Append([]string{
			r.Kind,
			strconv.FormatInt(r.ID, 10),
			r.Name,
			class,
			r.UpdatedAt.Format("15:04:05"),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printSessions(args []string) error {
	if c.combatLog == nil {
		return fmt.Errorf("storage is disabled")
	}
	n, err := countArg(args, 10)
	if err != nil {
		return err
	}
	sessions, err := c.combatLog.Sessions(n)
	if err != nil {
		return err
	}

	tw := c.newTable([]string{"Session", "Flow", "Method", "Started", "Ended", "Events"})
	for _, s := range sessions {
		ended := "-"
		if !s.EndedAt.IsZero() {
			ended = s.EndedAt.Local().Format("01-02 15:04:05") + " (" + s.EndReason + ")"
		}
		tw.Append([]string{
			s.ID,
			s.Flow,
			s.Method,
			s.StartedAt.Local().Format("01-02 15:04:05"),
			ended,
			strconv.FormatInt(s.Events, 10),
		})
	}
	tw.Render()
	return nil
}

// cmdSet handles "set pipeline.allow_rebind true". Values that parse as
// JSON are used as such, anything else is taken as a string.
func (c *CLI) cmdSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <section.key> <value>")
	}
	section, key, ok := strings.Cut(args[0], ".")
	if !ok {
		return fmt.Errorf("usage: set <section.key> <value>")
	}

	raw := strings.Join(args[1:], " ")
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}

	log.Info().Str("section", section).Str("key", key).Msg("CLI: configuration updated")
	fmt.Fprintf(c.out, "Config updated: %s.%s = %s (restart to apply)\n", section, key, raw)
	return nil
}

func countArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid count: %s", args[0])
	}
	return n, nil
}

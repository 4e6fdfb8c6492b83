package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"game-download-coordinator/models"
	"game-download-coordinator/pipeline"
	"game-download-coordinator/utils"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

// Controller is the engine surface the console drives.
type Controller interface {
	Enqueue(gameID int64, reason models.Reason) (models.Task, error)
	EnqueueOperation(gameID int64, kind models.TaskKind, reason models.Reason) (models.Task, error)
	PauseAll() error
	ResumeAll() error
	Prioritize(id string) error
	Cancel(id string) error
	Retry(id string) (models.Task, error)
	Discard(id string) error
	ClearHistory() (int, error)
	SetConcurrency(n int) error
	Concurrency() int

	Resolve(gameID int64) models.GameStatus
	ListActive() []models.Task
	History() []models.Task
	Task(id string) (models.Task, bool)
	CurrentRate(taskID string) (float64, bool)
	Speeds() []pipeline.SpeedPoint
}

type command struct {
	usage string
	help  string
	run   func(c *Console, args []string) error
}

// Console reads line commands and prints coloured results.
type Console struct {
	ctl    Controller
	out    io.Writer
	logger *utils.Logger

	ok, warn, fail, dim func(a ...interface{}) string
}

func NewConsole(ctl Controller, out io.Writer, logger *utils.Logger) *Console {
	return &Console{
		ctl:    ctl,
		out:    out,
		logger: logger,
		ok:     color.New(color.FgGreen).SprintFunc(),
		warn:   color.New(color.FgYellow).SprintFunc(),
		fail:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:    color.New(color.Faint).SprintFunc(),
	}
}

// Run executes lines from in until EOF, quit, or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Execute(line); errors.Is(err, ErrQuit) {
				return nil
			}
		}
	}
}

// Execute runs one command line. Failures are printed and returned.
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	if name == "quit" || name == "exit" {
		return ErrQuit
	}

	cmd, ok := commands[name]
	if !ok {
		err := fmt.Errorf("unknown command %q", name)
		fmt.Fprintf(c.out, "%s %v (try help)\n", c.fail("✗"), err)
		return err
	}
	if err := cmd.run(c, args); err != nil {
		c.logger.WithComponent("console").WithField("command", name).WithError(err).Debug("Command failed")
		fmt.Fprintf(c.out, "%s %v\n", c.fail("✗"), err)
		return err
	}
	return nil
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"enqueue":    {"enqueue <game> [reason]", "queue a download (reason: install, update, reinstall, revert, heal)", (*Console).enqueue},
		"install":    {"install <game>", "extract the downloaded archive", operation(models.KindInstall)},
		"uninstall":  {"uninstall <game>", "remove an installed game", operation(models.KindUninstall)},
		"launch":     {"launch <game>", "start an installed game", operation(models.KindLaunch)},
		"pause":      {"pause", "pause all downloads", (*Console).pause},
		"resume":     {"resume", "resume downloads", (*Console).resume},
		"prioritize": {"prioritize <task>", "move a task to the front of the queue", taskCommand("prioritized", Controller.Prioritize)},
		"cancel":     {"cancel <task>", "cancel a queued or running task", taskCommand("cancelled", Controller.Cancel)},
		"retry":      {"retry <task>", "queue a failed task again", (*Console).retry},
		"discard":    {"discard <task>", "remove a finished task from history", taskCommand("discarded", Controller.Discard)},
		"status":     {"status <game>", "show what a game is doing", (*Console).status},
		"list":       {"list", "show queued and running tasks", (*Console).list},
		"history":    {"history", "show finished tasks", (*Console).history},
		"clear":      {"clear", "remove all finished tasks", (*Console).clear},
		"lanes":      {"lanes [n]", "show or set how many tasks run at once", (*Console).lanes},
		"speed":      {"speed", "show download speed", (*Console).speed},
		"help":       {"help", "show this help", (*Console).help},
	}
}

func (c *Console) enqueue(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("enqueue")
	}
	gameID, err := parseGameID(args[0])
	if err != nil {
		return err
	}
	reason := models.ReasonInstall
	if len(args) == 2 {
		reason = models.Reason(strings.ToLower(args[1]))
	}
	task, err := c.ctl.Enqueue(gameID, reason)
	if err != nil {
		return err
	}
	c.printQueued(task)
	return nil
}

func operation(kind models.TaskKind) func(*Console, []string) error {
	return func(c *Console, args []string) error {
		if len(args) != 1 {
			return usageError(string(kind))
		}
		gameID, err := parseGameID(args[0])
		if err != nil {
			return err
		}
		task, err := c.ctl.EnqueueOperation(gameID, kind, models.ReasonInstall)
		if err != nil {
			return err
		}
		c.printQueued(task)
		return nil
	}
}

func taskCommand(done string, op func(Controller, string) error) func(*Console, []string) error {
	return func(c *Console, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected one task id or game id")
		}
		task, err := c.findTask(args[0])
		if err != nil {
			return err
		}
		if err := op(c.ctl, task.ID); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s %s %s of game %d\n", c.ok("✓"), done, task.Kind, task.GameID)
		return nil
	}
}

func (c *Console) pause(args []string) error {
	if err := c.ctl.PauseAll(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s downloads paused\n", c.ok("✓"))
	return nil
}

func (c *Console) resume(args []string) error {
	if err := c.ctl.ResumeAll(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s downloads resumed\n", c.ok("✓"))
	return nil
}

func (c *Console) retry(args []string) error {
	if len(args) != 1 {
		return usageError("retry")
	}
	old, err := c.findTask(args[0])
	if err != nil {
		return err
	}
	task, err := c.ctl.Retry(old.ID)
	if err != nil {
		return err
	}
	c.printQueued(task)
	return nil
}

func (c *Console) status(args []string) error {
	if len(args) != 1 {
		return usageError("status")
	}
	gameID, err := parseGameID(args[0])
	if err != nil {
		return err
	}
	st := c.ctl.Resolve(gameID)
	paint := c.ok
	switch st.Kind {
	case models.StatusErrored:
		paint = c.fail
	case models.StatusPaused, models.StatusQueued, models.StatusCancelled:
		paint = c.warn
	case models.StatusIdle:
		paint = c.dim
	}
	fmt.Fprintf(c.out, "game %d: %s\n", gameID, paint(st.Describe()))
	return nil
}

func (c *Console) list(args []string) error {
	active := c.ctl.ListActive()
	if len(active) == 0 {
		fmt.Fprintln(c.out, c.dim("queue empty"))
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTASK\tGAME\tKIND\tSTATE\tPROGRESS\tSPEED")
	for i, task := range active {
		progress := "-"
		if task.Progress.Known {
			progress = fmt.Sprintf("%.0f%%", task.Progress.Fraction*100)
		}
		speed := "-"
		if bps, ok := c.ctl.CurrentRate(task.ID); ok {
			speed = models.FormatBytes(int64(bps)) + "/s"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			i+1, shortID(task.ID), task.GameID, task.Kind, task.State, progress, speed)
	}
	return tw.Flush()
}

func (c *Console) history(args []string) error {
	history := c.ctl.History()
	if len(history) == 0 {
		fmt.Fprintln(c.out, c.dim("no finished tasks"))
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tGAME\tKIND\tSTATE\tFINISHED\tERROR")
	for _, task := range history {
		finished := "-"
		if task.FinishedAt != nil {
			finished = task.FinishedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(task.ID), task.GameID, task.Kind, task.State, finished, task.Error)
	}
	return tw.Flush()
}

func (c *Console) clear(args []string) error {
	n, err := c.ctl.ClearHistory()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s removed %d finished task(s)\n", c.ok("✓"), n)
	return nil
}

func (c *Console) lanes(args []string) error {
	switch len(args) {
	case 0:
		fmt.Fprintf(c.out, "%d lane(s)\n", c.ctl.Concurrency())
		return nil
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return utils.InvalidArgument("lanes must be a number, got %q", args[0])
		}
		if err := c.ctl.SetConcurrency(n); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s %d lane(s)\n", c.ok("✓"), n)
		return nil
	}
	return usageError("lanes")
}

func (c *Console) speed(args []string) error {
	speeds := c.ctl.Speeds()
	total := 0.0
	if len(speeds) > 0 {
		total = speeds[len(speeds)-1].BPS
	}
	fmt.Fprintf(c.out, "total: %s/s\n", models.FormatBytes(int64(total)))
	for _, task := range c.ctl.ListActive() {
		if bps, ok := c.ctl.CurrentRate(task.ID); ok {
			fmt.Fprintf(c.out, "  game %d: %s/s\n", task.GameID, models.FormatBytes(int64(bps)))
		}
	}
	return nil
}

func (c *Console) help(args []string) error {
	names := []string{
		"enqueue", "install", "uninstall", "launch", "pause", "resume", "prioritize",
		"cancel", "retry", "discard", "status", "list", "history", "clear", "lanes", "speed", "help",
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintf(tw, "  quit\tclose the console\n")
	return tw.Flush()
}

func (c *Console) printQueued(task models.Task) {
	fmt.Fprintf(c.out, "%s %s queued for game %d %s\n",
		c.ok("✓"), task.Kind, task.GameID, c.dim("("+shortID(task.ID)+", "+string(task.State)+")"))
}

// findTask accepts a full task id, a unique id prefix, or a game id, which
// means the game's in-flight task or else its latest outcome.
func (c *Console) findTask(arg string) (models.Task, error) {
	if task, ok := c.ctl.Task(arg); ok {
		return task, nil
	}

	var matches []models.Task
	for _, task := range append(c.ctl.ListActive(), c.ctl.History()...) {
		if strings.HasPrefix(task.ID, arg) {
			matches = append(matches, task)
		}
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return models.Task{}, utils.InvalidArgument("task id prefix %q is ambiguous", arg)
	}

	if gameID, err := strconv.ParseInt(arg, 10, 64); err == nil {
		st := c.ctl.Resolve(gameID)
		if st.Task != nil {
			return *st.Task, nil
		}
		if st.Outcome != nil {
			if task, ok := c.ctl.Task(st.Outcome.TaskID); ok {
				return task, nil
			}
		}
	}
	return models.Task{}, &utils.NotFoundError{TaskID: arg}
}

func parseGameID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, utils.InvalidArgument("invalid game id %q", s)
	}
	return id, nil
}

func usageError(name string) error {
	return fmt.Errorf("usage: %s", commands[name].usage)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

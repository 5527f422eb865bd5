package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/pattyshack/dyninspect/elf"
	"github.com/pattyshack/dyninspect/inspector/common"
	"github.com/pattyshack/dyninspect/inspector/pltgot"
	"github.com/pattyshack/dyninspect/inspector/timeline"
	"github.com/pattyshack/dyninspect/inspector/tracker"
	"github.com/pattyshack/dyninspect/procfs"
	"github.com/pattyshack/dyninspect/ptracer"
)

type inspector struct {
	controller *ptracer.Controller
	session    *tracker.Session
	recorder   *timeline.Recorder
	model      *pltgot.Model
}

type command struct {
	name string
	run  func(*inspector, []string) error
}

var (
	commands = []command{
		{
			name: "continue",
			run:  resumeProcess,
		},
		{
			name: "step",
			run:  stepProcess,
		},
		{
			name: "routines",
			run:  printRoutines,
		},
		{
			name: "timeline",
			run:  printTimeline,
		},
		{
			name: "arm",
			run:  armRoutine,
		},
		{
			name: "disarm",
			run:  disarmRoutine,
		},
		{
			name: "recommend",
			run:  printRecommendation,
		},
		{
			name: "maps",
			run:  printMaps,
		},
		{
			name: "modules",
			run:  printModules,
		},
	}
)

func resumeProcess(insp *inspector, args []string) error {
	event, err := insp.controller.Continue()
	if err != nil {
		return err
	}

	return handleStop(insp, event)
}

func stepProcess(insp *inspector, args []string) error {
	event, err := insp.controller.SingleStep()
	if err != nil {
		return err
	}

	return handleStop(insp, event)
}

func handleStop(insp *inspector, event common.StopEvent) error {
	fmt.Println(event)

	events, err := insp.session.HandleStop(event)
	for _, evt := range events {
		fmt.Println(evt)
	}
	return err
}

func printRoutines(insp *inspector, args []string) error {
	if insp.model.Degraded {
		fmt.Println("model degraded:", insp.model.DegradedReason)
	}

	for _, routine := range insp.session.Routines() {
		fmt.Println(routine)
	}
	return nil
}

func printTimeline(insp *inspector, args []string) error {
	for event := range insp.recorder.All() {
		fmt.Println(event)
	}
	return nil
}

func armRoutine(insp *inspector, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: arm <routine>")
	}

	return insp.session.Arm(args[0])
}

func disarmRoutine(insp *inspector, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: disarm <routine>")
	}

	return insp.session.Disarm(args[0])
}

func printRecommendation(insp *inspector, args []string) error {
	recommendation := insp.session.Recommend()

	for _, addr := range recommendation.BreakPoints {
		fmt.Println("break point:", addr)
	}
	if recommendation.SingleStep {
		fmt.Println("single step: a routine is mid-resolution")
	}
	return nil
}

func printMaps(insp *inspector, args []string) error {
	regions, err := procfs.GetMappedMemoryRegions(insp.controller.Pid)
	if err != nil {
		return err
	}

	for _, region := range regions {
		flags := []byte("----")
		if region.Read {
			flags[0] = 'r'
		}
		if region.Write {
			flags[1] = 'w'
		}
		if region.Execute {
			flags[2] = 'x'
		}
		if region.Private {
			flags[3] = 'p'
		}

		fmt.Printf(
			"0x%08x-0x%08x %s %s\n",
			region.LowAddress,
			region.HighAddress,
			flags,
			region.Pathname)
	}
	return nil
}

// The shared objects currently mapped into the target, one line each.
// Re-running this after a dlopen / dlclose timeline event shows what the
// call loaded or unloaded.
func printModules(insp *inspector, args []string) error {
	regions, err := procfs.GetMappedMemoryRegions(insp.controller.Pid)
	if err != nil {
		return err
	}

	seen := map[string]struct{}{}
	for _, region := range regions {
		if region.Pathname == "" || !region.Execute {
			continue
		}

		_, ok := seen[region.Pathname]
		if ok {
			continue
		}
		seen[region.Pathname] = struct{}{}

		fmt.Printf("0x%08x %s\n", region.LowAddress, region.Pathname)
	}
	return nil
}

func main() {
	pid := 0
	layoutPath := ""
	flag.IntVar(&pid, "p", 0, "attach to existing process pid")
	flag.StringVar(
		&layoutPath,
		"layout",
		"",
		"yaml file overriding the plt stub layout")

	flag.Parse()
	args := flag.Args()

	layout := pltgot.DefaultStubLayout()
	if layoutPath != "" {
		var err error
		layout, err = pltgot.LoadStubLayout(layoutPath)
		if err != nil {
			panic(err)
		}
	}

	var controller *ptracer.Controller
	var executablePath string
	var err error
	if pid != 0 {
		if len(args) != 0 {
			panic("unexpected arguments")
		}

		executablePath = procfs.GetExecutableSymlinkPath(pid)
		controller, err = ptracer.AttachToProcess(pid)
	} else if len(args) == 0 {
		panic("no arguments given")
	} else {
		executablePath = args[0]
		controller, err = ptracer.StartProcess(args[0], args[1:]...)
	}

	if err != nil {
		panic(err)
	}

	defer func() {
		err := controller.Close()
		if err != nil {
			panic(err)
		}
	}()

	content, err := os.ReadFile(executablePath)
	if err != nil {
		panic(err)
	}

	file, err := elf.ParseBytes(content)
	if err != nil {
		panic(err)
	}

	model, err := pltgot.Derive(file, layout)
	if err != nil {
		panic(err)
	}

	recorder := timeline.NewRecorder()
	session := tracker.NewSession(
		model,
		tracker.KnownRanges(file),
		controller,
		recorder)

	insp := &inspector{
		controller: controller,
		session:    session,
		recorder:   recorder,
		model:      model,
	}

	status, err := procfs.GetProcessStatus(controller.Pid)
	if err != nil {
		panic(err)
	}

	fmt.Printf(
		"attached to process %d (%s, %s)\n",
		status.Pid,
		status.Comm,
		status.State)

	loaderBase, err := procfs.GetLoaderBaseAddress(controller.Pid)
	if err != nil {
		fmt.Println("error:", err)
	} else if loaderBase != 0 {
		fmt.Printf("dynamic loader mapped at 0x%08x\n", loaderBase)
	}

	for _, event := range session.Begin() {
		fmt.Println(event)
	}

	err = session.ArmAll()
	if err != nil {
		panic(err)
	}

	rl, err := readline.New("dyninspect > ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			panic(err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		args := strings.Split(line, " ")
		if args[0] == "" {
			fmt.Println("invalid command: (empty string)")
		}

		found := false
		for _, cmd := range commands {
			if strings.HasPrefix(cmd.name, args[0]) {
				found = true
				err := cmd.run(insp, args[1:])
				if err != nil {
					fmt.Println("error:", err)
				}
			}
		}

		if !found {
			fmt.Println("invalid command:", args[0])
		}

		if session.Finalized() {
			fmt.Println("process exited; timeline finalized")
			break
		}
	}
}

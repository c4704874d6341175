package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/whotf-ash/synapse/internal/interaction"
	"github.com/whotf-ash/synapse/internal/langclient"
	"github.com/whotf-ash/synapse/internal/speech"
)

// controls is the part of [interaction.Controller] the terminal drives.
type controls interface {
	ToggleRecord() error
	SetLanguage(name string) error
	SetProficiency(level langclient.Proficiency) error
	Languages() interaction.Catalog
}

// terminal renders controller snapshots as text and turns input lines into
// controller commands. It only remembers what it has already printed.
type terminal struct {
	out  io.Writer
	ctrl controls

	mu      sync.Mutex
	started bool
	last    interaction.Snapshot
	turns   int
}

func newTerminal(out io.Writer, ctrl controls) *terminal {
	return &terminal{out: out, ctrl: ctrl}
}

const helpText = `Press Enter to start or stop recording.
  :lang <name>      switch the target language (:lang alone lists them)
  :level <level>    beginner, intermediate or advanced (conversation mode)
  :quit             leave`

// greet prints the banner for snap's mode.
func (t *terminal) greet(snap interaction.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch snap.Mode {
	case interaction.ModeConversation:
		fmt.Fprintf(t.out, "Synapse conversation partner: %s, %s.\n", snap.Language.Name, snap.Proficiency)
	default:
		fmt.Fprintf(t.out, "Synapse translator: English to %s.\n", snap.Language.Name)
	}
	if !snap.Supported {
		fmt.Fprintln(t.out, "Speech recognition is not available on this host; recording is disabled.")
	}
	fmt.Fprintln(t.out, helpText)
}

// render is the controller observer.
func (t *terminal) render(s interaction.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first := !t.started
	t.started = true
	prev := t.last
	t.last = s

	if !first && s.Language.Name != prev.Language.Name {
		fmt.Fprintf(t.out, "Language: %s\n", s.Language.Name)
	}
	if !first && s.Proficiency != prev.Proficiency && s.Mode == interaction.ModeConversation {
		fmt.Fprintf(t.out, "Level: %s\n", s.Proficiency)
	}

	if first || s.Status != prev.Status {
		switch s.Status {
		case interaction.StatusListening:
			fmt.Fprintln(t.out, "[listening] speak now, press Enter when done")
		case interaction.StatusThinking:
			fmt.Fprintln(t.out, "[thinking]")
		case interaction.StatusError:
			fmt.Fprintf(t.out, "[error] %s\n", describe(s.Err))
		}
	}
	if s.Status == interaction.StatusThinking && prev.Status == interaction.StatusListening && s.Transcript != "" {
		fmt.Fprintf(t.out, "  heard: %s\n", s.Transcript)
	}

	switch s.Mode {
	case interaction.ModeTranslator:
		if s.Translated != "" && (s.Translated != prev.Translated || s.Original != prev.Original) {
			fmt.Fprintf(t.out, "  %s -> %s\n", s.Original, s.Translated)
		}
	case interaction.ModeConversation:
		if len(s.Conversation) < t.turns {
			fmt.Fprintln(t.out, "--- new conversation ---")
			t.turns = 0
		}
		for _, turn := range s.Conversation[t.turns:] {
			who := "partner"
			if turn.Role == langclient.RoleUser {
				who = "you"
			}
			fmt.Fprintf(t.out, "  %s: %s\n", who, turn.Content)
		}
		t.turns = len(s.Conversation)
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (t *terminal) handle(line string) (quit bool) {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "":
		err = t.ctrl.ToggleRecord()
	case ":quit", ":q", ":exit":
		return true
	case ":help", ":h":
		t.println(helpText)
	case ":lang":
		if arg == "" {
			t.println("Languages: " + strings.Join(t.ctrl.Languages().Names(), ", "))
			return false
		}
		err = t.ctrl.SetLanguage(arg)
	case ":level":
		var level langclient.Proficiency
		level, err = langclient.ParseProficiency(arg)
		if err == nil {
			err = t.ctrl.SetProficiency(level)
		}
	default:
		t.println(fmt.Sprintf("Unknown command %q; :help lists the commands.", cmd))
	}
	if err != nil {
		t.println(describe(err))
	}
	return false
}

func (t *terminal) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

// describe turns controller errors into short user-facing messages.
func describe(err error) string {
	switch {
	case err == nil:
		return "something went wrong"
	case errors.Is(err, speech.ErrUnsupportedCapability):
		return "Speech recognition is not available on this host."
	case errors.Is(err, interaction.ErrBusy):
		return "Still thinking, try again in a moment."
	case errors.Is(err, interaction.ErrEmptyUtterance):
		return "Nothing was heard. Press Enter and try again."
	case errors.Is(err, interaction.ErrUnknownLanguage):
		return err.Error()
	case errors.Is(err, langclient.ErrRequestFailed):
		return "The language service did not answer. Press Enter to try again."
	default:
		return err.Error()
	}
}

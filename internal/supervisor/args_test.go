package supervisor

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		in   ArgsInput
		want []string
	}{
		{
			name: "new session defaults",
			in:   ArgsInput{Command: "list files", NewSession: true},
			want: []string{"--prompt", "list files", "--model", DefaultModel},
		},
		{
			name: "continuing session omits model",
			in:   ArgsInput{Command: "and now?", Context: "HISTORY\n", Model: "gemini-2.5-flash"},
			want: []string{"--prompt", "HISTORY\nand now?"},
		},
		{
			name: "all flags in order",
			in: ArgsInput{
				Command:         "go",
				Debug:           true,
				MCPConfigPath:   "/home/u/.gemini.json",
				NewSession:      true,
				Model:           "gemini-2.5-flash",
				SkipPermissions: true,
			},
			want: []string{"--prompt", "go", "--debug", "--mcp-config", "/home/u/.gemini.json", "--model", "gemini-2.5-flash", "--yolo"},
		},
		{
			name: "interactive mode has no prompt",
			in:   ArgsInput{Command: "   ", NewSession: true, SkipPermissions: true},
			want: []string{"--model", DefaultModel, "--yolo"},
		},
		{
			name: "interactive continuing session is empty",
			in:   ArgsInput{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildArgs(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("BuildArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildArgsImageReference(t *testing.T) {
	got := BuildArgs(ArgsInput{
		Command:    "describe",
		Context:    "CTX ",
		ImagePaths: []string{"/w/.tmp/images/1/image_0.png"},
	})
	if len(got) != 2 || got[0] != "--prompt" {
		t.Fatalf("unexpected args %q", got)
	}
	prompt := got[1]
	if !strings.HasPrefix(prompt, "CTX describe\n\n[Attached 1 image(s)") {
		t.Fatalf("prompt should be context, command, then reference block: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "1. /w/.tmp/images/1/image_0.png") {
		t.Fatalf("prompt should end with the image path: %q", prompt)
	}
}

func TestBuildArgsModelPresence(t *testing.T) {
	for _, cmd := range []string{"a", "list files", "x y z"} {
		fresh := BuildArgs(ArgsInput{Command: cmd, NewSession: true})
		if !contains(fresh, "--prompt") || !contains(fresh, "--model") {
			t.Fatalf("new session args %q must carry --prompt and --model", fresh)
		}
		cont := BuildArgs(ArgsInput{Command: cmd, Context: "ctx"})
		if contains(cont, "--model") {
			t.Fatalf("continuing session args %q must not carry --model", cont)
		}
	}
}

func TestBuildArgsIsDeterministic(t *testing.T) {
	in := ArgsInput{Command: "c", Debug: true, NewSession: true, SkipPermissions: true}
	if !reflect.DeepEqual(BuildArgs(in), BuildArgs(in)) {
		t.Fatal("BuildArgs must be deterministic")
	}
}

func TestDescribeArgsElidesPrompt(t *testing.T) {
	args := []string{"--prompt", "secret history", "--model", "m"}
	got := describeArgs(args)
	if got[1] != "<14 bytes>" {
		t.Fatalf("prompt not elided: %q", got)
	}
	if args[1] != "secret history" {
		t.Fatal("describeArgs must not modify its input")
	}
}

func contains(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

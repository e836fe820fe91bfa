package main

import (
	"os"

	mkimage "github.com/0xa1bed0/mkimage/internal/apps/mkimage/cmds"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/runtime"
)

func main() {
	logs.SetComponent(detectComponent("mkimage"))

	var execErr error

	rt := runtime.New()
	defer rt.Finalize("mkimage", "Type 'mkimage help' to get help.", &execErr)

	execErr = mkimage.Execute(rt)
}

func detectComponent(base string) string {
	if len(os.Args) > 1 && len(os.Args[1]) > 0 && os.Args[1][0] != '-' {
		return base + ":" + os.Args[1]
	}
	return base
}

// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows

package main

import (
	"fmt"
	"io"
	"log"

	"v.io/x/exile"
)

// Round-trips a string through cat: write, read back exactly as many bytes,
// close stdin, observe EOF and the exit code.
func ExampleRoundTrip() {
	p, err := exile.Start("cat")
	if err != nil {
		log.Fatal(err)
	}
	defer p.Stop()

	if err := p.Write([]byte("oh my gosh\n")); err != nil {
		log.Fatal(err)
	}
	b, err := p.Read(11)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Print(string(b))

	if err := p.CloseStdin(); err != nil {
		log.Fatal(err)
	}
	if _, err := p.Read(1); err != io.EOF {
		log.Fatalf("want EOF, got %v", err)
	}
	code, err := p.AwaitExit(0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("exit %d\n", code)
}

func main() {
	ExampleRoundTrip()
}

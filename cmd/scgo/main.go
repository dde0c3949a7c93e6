package main

import "github.com/cellatlas-dev/scgo"

func main() {
	scgo.Main()
}

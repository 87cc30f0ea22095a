package main

import "github.com/ramiqadoumi/go-task-service/services/api-gateway/cli"

func main() { cli.Execute() }

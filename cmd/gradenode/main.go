package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dylanalvarez/tp3-concurrentes/internal/cluster"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("component", "main")

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "required args: port peer1:port1 peer2:port2 ...  e.g. gradenode 6060 127.0.0.1:6061 127.0.0.1:6062")
		os.Exit(1)
	}

	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		entry.WithError(err).Fatal("invalid port argument")
	}
	peerAddrs := os.Args[2:]
	entry.WithField("port", port).WithField("peers", peerAddrs).Info("starting node")

	peers := make([]cluster.NodeIdentity, 0, len(peerAddrs))
	for _, addr := range peerAddrs {
		id, ok := portFromAddr(addr)
		if !ok {
			entry.WithField("addr", addr).Fatal("malformed peer address: expected host:port")
		}
		peers = append(peers, cluster.NodeIdentity{ID: id, Address: addr})
	}

	selfAddr := fmt.Sprintf(":%d", port)
	node, err := cluster.NewNode(port, selfAddr, peers, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to start node")
	}
	defer node.Close()

	go func() {
		if err := node.Listen(); err != nil {
			entry.WithError(err).Fatal("receive loop terminated")
		}
	}()

	node.ColdStartSync()
	node.BeginElection()

	runPrompt(node, entry)
}

func portFromAddr(addr string) (int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 || idx == len(addr)-1 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}

// runPrompt is the interactive operator shell: add_grade, print, ping,
// make_coordinator, begin_election, clear, quit.
func runPrompt(node *cluster.Node, log *logrus.Entry) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Enter command: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			log.WithError(err).Fatal("reading command")
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Split(line, " ")

		switch fields[0] {
		case "add_grade":
			if len(fields) != 3 {
				fmt.Println("Invalid command. add_grade <student name (without spaces)> <student grade (with dot notation. eg: 9.54)>")
				continue
			}
			grade, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				log.Warn("invalid grade number for add_grade command")
				continue
			}
			log.WithField("student", fields[1]).WithField("grade", grade).Info("add_grade")
			err = node.AddGrade(fields[1], grade)
			if cluster.IsTransient(err) {
				log.WithError(err).Warn("coordinator unreachable: starting election and retrying add_grade")
				node.Election.BeginElection()
				err = node.AddGrade(fields[1], grade)
			}
			if err != nil {
				log.WithError(err).Warn("add_grade failed")
			}

		case "print":
			fmt.Print(node.Print())

		case "ping":
			fmt.Print(node.PingNeighbors())

		case "make_coordinator":
			node.MakeCoordinator()

		case "begin_election":
			node.BeginElection()

		case "clear":
			fmt.Print("\033[2J\033[1;1H")

		case "quit":
			os.Exit(0)

		default:
			fmt.Println("Ups! Didn't understand that. Available commands: add_grade, print, quit, ping, make_coordinator, begin_election, clear")
		}
	}
}

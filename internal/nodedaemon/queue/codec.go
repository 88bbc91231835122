package queue

import (
	"encoding/json"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/accountant"
)

func addRequests(a, b accountant.Request) accountant.Request {
	return accountant.Request{
		CPUFraction:      a.CPUFraction + b.CPUFraction,
		MemoryBytes:      a.MemoryBytes + b.MemoryBytes,
		AcceleratorSlots: a.AcceleratorSlots + b.AcceleratorSlots,
	}
}

func subRequests(a, b accountant.Request) accountant.Request {
	return accountant.Request{
		CPUFraction:      a.CPUFraction - b.CPUFraction,
		MemoryBytes:      a.MemoryBytes - b.MemoryBytes,
		AcceleratorSlots: a.AcceleratorSlots - b.AcceleratorSlots,
	}
}

func encodeWorkItem(item domain.WorkItem) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeWorkItem(payload string) (domain.WorkItem, error) {
	var item domain.WorkItem
	err := json.Unmarshal([]byte(payload), &item)
	return item, err
}

package mocks

//go:generate mockgen -destination device.go -package mocks github.com/vkngwrapper/rheap/device Device

package iptools

import (
	"net"
	"strings"
)

// Get preferred outbound ip of this machine
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "1.0.0.1:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	var localIp string = localAddr.IP.String()
	return localIp, nil
}

// StripPort returns addr without the trailing :port, if any
func StripPort(addr string) string {
	idxPort := strings.Index(addr, ":")
	if idxPort >= 0 {
		return addr[:idxPort]
	}
	return addr
}
